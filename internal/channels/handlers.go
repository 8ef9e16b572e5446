package channels

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/opschat/backend/internal/auth"
	"github.com/opschat/backend/internal/httpx"
	"github.com/opschat/backend/internal/utils"
)

// Service manages the channel roster the realtime layer authorizes against.
// A channel is either a direct conversation (exactly two members) or a room.
type Service struct {
	DB *sql.DB
}

type directReq struct {
	OtherUserID int64 `json:"other_user_id" binding:"required"`
}

type roomReq struct {
	Name      string  `json:"name" binding:"required"`
	MemberIDs []int64 `json:"member_ids"`
}

type addReq struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func Register(rg *gin.RouterGroup, db *sql.DB) {
	s := Service{DB: db}
	rg.POST("/channels/direct", s.createOrGetDirect)
	rg.POST("/channels/room", s.createRoom)
	rg.POST("/channels/:id/participants", s.addParticipant)
	rg.DELETE("/channels/:id/participants/:userId", s.removeParticipant)
	rg.GET("/channels", s.listMine)
}

func (s *Service) createOrGetDirect(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req directReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	// A direct channel between two identities is unique; reuse it if present.
	row := s.DB.QueryRow(`SELECT ch.id FROM channels ch
		JOIN participants p1 ON p1.channel_id=ch.id AND p1.user_id=?
		JOIN participants p2 ON p2.channel_id=ch.id AND p2.user_id=?
		WHERE ch.kind='direct' LIMIT 1`, uid, req.OtherUserID)

	var id int64
	if err := row.Scan(&id); err == nil {
		httpx.OK(c, gin.H{"channel_id": id, "kind": "direct"})
		return
	}

	tx, err := s.DB.Begin()
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db transaction failed")
		return
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO channels (name, kind) VALUES (NULL, 'direct')`)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "create channel failed")
		return
	}
	id, _ = res.LastInsertId()

	_, err = tx.Exec(`INSERT INTO participants (channel_id, user_id, is_admin) VALUES (?, ?, 0), (?, ?, 0)`,
		id, uid, id, req.OtherUserID)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := tx.Commit(); err != nil {
		httpx.Err(c, http.StatusInternalServerError, "commit failed")
		return
	}
	httpx.OK(c, gin.H{"channel_id": id, "kind": "direct"})
}

func (s Service) createRoom(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req roomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.DB.Exec(`INSERT INTO channels (name, kind) VALUES (?, 'room')`, req.Name)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "create room failed")
		return
	}
	cid, _ := res.LastInsertId()

	_, _ = s.DB.Exec(`INSERT INTO participants (channel_id, user_id, is_admin) VALUES (?, ?, 1)`, cid, uid)
	for _, mid := range req.MemberIDs {
		if mid == uid {
			continue
		}
		_, _ = s.DB.Exec(`INSERT OR IGNORE INTO participants (channel_id, user_id, is_admin) VALUES (?, ?, 0)`, cid, mid)
	}

	httpx.OK(c, gin.H{"channel_id": cid, "kind": "room"})
}

func (s Service) addParticipant(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid := c.Param("id")

	var n int
	_ = s.DB.QueryRow(`SELECT COUNT(1) FROM participants WHERE channel_id=? AND user_id=? AND is_admin=1`, cid, uid).Scan(&n)
	if n == 0 {
		httpx.Forbidden(c, "only admin can add participants")
		return
	}

	var req addReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	_, err := s.DB.Exec(`INSERT OR IGNORE INTO participants (channel_id, user_id, is_admin) VALUES (?, ?, 0)`, cid, req.UserID)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "add failed")
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) removeParticipant(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid := c.Param("id")

	var n int
	_ = s.DB.QueryRow(`SELECT COUNT(1) FROM participants WHERE channel_id=? AND user_id=? AND is_admin=1`, cid, uid).Scan(&n)
	if n == 0 {
		httpx.Forbidden(c, "only admin can remove participants")
		return
	}

	_, err := s.DB.Exec(`DELETE FROM participants WHERE channel_id=? AND user_id=?`, cid, c.Param("userId"))
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "remove failed")
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)

	rows, err := s.DB.Query(`
		SELECT ch.id, ch.name, ch.kind, ch.created_at
		FROM channels ch
		JOIN participants p ON p.channel_id = ch.id
		WHERE p.user_id = ?
		ORDER BY ch.created_at DESC`, uid)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "failed to fetch channels")
		return
	}
	defer rows.Close()

	var list []gin.H
	for rows.Next() {
		var (
			id   int64
			name sql.NullString
			kind string
			ca   string
		)
		if err := rows.Scan(&id, &name, &kind, &ca); err != nil {
			continue
		}
		list = append(list, gin.H{
			"id": id, "name": name.String, "kind": kind, "created_at": ca,
		})
	}
	if err := rows.Err(); err != nil {
		httpx.Err(c, http.StatusInternalServerError, "error reading channel list")
		return
	}
	httpx.OK(c, gin.H{"channels": list})
}
