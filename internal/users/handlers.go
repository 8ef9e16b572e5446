package users

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/opschat/backend/internal/auth"
	"github.com/opschat/backend/internal/config"
	"github.com/opschat/backend/internal/httpx"
	"github.com/opschat/backend/internal/utils"
)

type Service struct {
	DB        *sql.DB
	JWTSecret string
	JWTTTLMin int
}

type signupReq struct {
	Username string `json:"username" binding:"required,min=3"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func RegisterPublic(rg *gin.RouterGroup, db *sql.DB, cfg config.Config) {
	s := Service{
		DB:        db,
		JWTSecret: cfg.JWTSecret,
		JWTTTLMin: cfg.JWTTTLMin,
	}

	rg.POST("/signup", s.signup)
	rg.POST("/login", s.login)
}

func RegisterProtected(rg *gin.RouterGroup, db *sql.DB) {
	s := Service{DB: db}
	rg.GET("/me", s.getMe)
	rg.GET("/users/search", s.searchUsers)
}

func (s Service) signup(c *gin.Context) {
	var req signupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	var count int
	_ = s.DB.QueryRow(`SELECT COUNT(1) FROM users WHERE username=?`, req.Username).Scan(&count)
	if count > 0 {
		httpx.Err(c, http.StatusConflict, "username already exists")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "hash failed")
		return
	}
	res, err := s.DB.Exec(`INSERT INTO users (username, password_hash) VALUES (?, ?)`, req.Username, hash)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "create user failed")
		return
	}
	uid, _ := res.LastInsertId()

	tok, err := auth.NewToken(s.JWTSecret, uid, req.Username, s.JWTTTLMin)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": uid})
}

func (s Service) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	row := s.DB.QueryRow(`SELECT id, password_hash FROM users WHERE username=?`, req.Username)

	var id int64
	var hash string
	if err := row.Scan(&id, &hash); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tok, err := auth.NewToken(s.JWTSecret, id, req.Username, s.JWTTTLMin)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": id})
}

func (s Service) getMe(c *gin.Context) {
	uid := auth.MustUserID(c)
	if uid == 0 {
		httpx.Err(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	row := s.DB.QueryRow(
		`SELECT id, username, role, created_at FROM users WHERE id=?`, uid)

	var id int64
	var username, role string
	var created time.Time
	if err := row.Scan(&id, &username, &role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpx.Err(c, http.StatusNotFound, "user not found")
			return
		}
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}

	httpx.OK(c, gin.H{
		"id": id, "username": username, "role": role,
		"created_at": created.Format(time.RFC3339),
	})
}

func (s Service) searchUsers(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		httpx.Err(c, http.StatusBadRequest, "query parameter is required")
		return
	}

	rows, err := s.DB.Query(`SELECT id, username FROM users WHERE username LIKE ? LIMIT 10`, "%"+query+"%")
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "database query failed")
		return
	}
	defer rows.Close()

	var users []gin.H
	for rows.Next() {
		var id int64
		var username string
		if err := rows.Scan(&id, &username); err != nil {
			continue
		}
		users = append(users, gin.H{"id": id, "username": username})
	}
	httpx.OK(c, gin.H{"users": users})
}
