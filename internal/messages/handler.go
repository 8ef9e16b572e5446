package messages

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opschat/backend/internal/auth"
	"github.com/opschat/backend/internal/httpx"
)

// Service serves message history. Live delivery happens over the websocket
// hub; a client that subscribes after the fact catches up here.
type Service struct {
	DB *sql.DB
}

type pageReq struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func Register(rg *gin.RouterGroup, db *sql.DB) {
	s := Service{DB: db}
	rg.GET("/channels/:id/messages", s.list)
	rg.GET("/channels/:id/read-markers", s.readMarkers)
}

func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "bad channel id")
		return
	}

	var n int
	_ = s.DB.QueryRow(`SELECT COUNT(1) FROM participants WHERE channel_id=? AND user_id=?`, cid, uid).Scan(&n)
	if n == 0 {
		httpx.Forbidden(c, "not a channel member")
		return
	}

	var q pageReq
	_ = c.BindQuery(&q)
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}

	rows, err := s.DB.Query(`
		SELECT m.id, m.sender_id, u.username, m.content, m.sent_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.channel_id=?
		ORDER BY m.id DESC LIMIT ? OFFSET ?`, cid, q.Limit, q.Offset)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	defer rows.Close()

	var list []gin.H
	for rows.Next() {
		var id, sid int64
		var uname, content string
		var at sql.NullString
		if err := rows.Scan(&id, &sid, &uname, &content, &at); err != nil {
			continue
		}

		var sentAt string
		if at.Valid {
			if t, perr := time.Parse("2006-01-02 15:04:05", at.String); perr == nil {
				sentAt = t.UTC().Format(time.RFC3339)
			} else {
				sentAt = at.String
			}
		}
		list = append(list, gin.H{
			"id": id, "sender_id": sid, "sender_username": uname,
			"content": content, "sent_at": sentAt,
		})
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s Service) readMarkers(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "bad channel id")
		return
	}

	var n int
	_ = s.DB.QueryRow(`SELECT COUNT(1) FROM participants WHERE channel_id=? AND user_id=?`, cid, uid).Scan(&n)
	if n == 0 {
		httpx.Forbidden(c, "not a channel member")
		return
	}

	rows, err := s.DB.Query(`SELECT user_id, message_id FROM read_markers WHERE channel_id=?`, cid)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	defer rows.Close()

	var list []gin.H
	for rows.Next() {
		var userID, messageID int64
		if err := rows.Scan(&userID, &messageID); err != nil {
			continue
		}
		list = append(list, gin.H{"user_id": userID, "message_id": messageID})
	}
	httpx.OK(c, gin.H{"read_markers": list})
}
