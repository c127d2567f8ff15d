// Package http serves the room metadata REST endpoints.
package http

import (
	"net/http"

	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// UserKey is the gin context key under which the authenticated user is
// stored.
const UserKey = "user"

type CreateRoomRequest struct {
	ID    string `json:"id" binding:"omitempty,max=64"`
	Title string `json:"title" binding:"required,max=120"`
	Cover string `json:"cover" binding:"omitempty,url"`
}

type RoomHandlers struct {
	Rooms core.RoomManager
	// Evict closes every session of a room before it is dropped.
	Evict func(domain.RoomID)
}

func (h *RoomHandlers) Register(g *gin.RouterGroup) {
	g.GET("/rooms", h.list)
	g.POST("/rooms", h.create)
	g.GET("/rooms/:id", h.get)
	g.DELETE("/rooms/:id", h.delete)
}

func (h *RoomHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, h.Rooms.List())
}

func (h *RoomHandlers) get(c *gin.Context) {
	room, ok := h.Rooms.Get(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Room())
}

func (h *RoomHandlers) create(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.RoomID(req.ID)
	if id == "" {
		id = domain.RoomID(uuid.NewString())
	}
	if _, exists := h.Rooms.Get(id); exists {
		c.JSON(http.StatusConflict, gin.H{"error": "room exists"})
		return
	}
	room := h.Rooms.Create(domain.Room{ID: id, Title: req.Title, Cover: req.Cover, OwnerID: user.ID})
	log.Info().Str("module", "transport.http").Str("room_id", string(id)).Str("owner", string(user.ID)).Msg("room created")
	c.JSON(http.StatusCreated, room.Room())
}

func (h *RoomHandlers) delete(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	id := domain.RoomID(c.Param("id"))
	room, exists := h.Rooms.Get(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if room.Room().OwnerID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the owner may close a room"})
		return
	}
	if h.Evict != nil {
		h.Evict(id)
	} else {
		h.Rooms.StopRoom(id)
	}
	c.Status(http.StatusNoContent)
}

func currentUser(c *gin.Context) (domain.User, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := v.(domain.User)
	return user, ok
}
