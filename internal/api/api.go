// Package api is the HTTP inspection API of shelfd.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
	"github.com/celerix-dev/shelf/pkg/shelf"
)

// DefaultLimit caps the entries returned by List when no limit is given.
const DefaultLimit = 1000

type Handler struct {
	Engine engine.Engine
	Codec  *codec.Codec
}

// EntryView is the JSON form of one engine entry.
type EntryView struct {
	Key     string         `json:"key"` // unpadded base64url
	KeyText string         `json:"key_text,omitempty"`
	Shelf   *shelf.KeyInfo `json:"shelf,omitempty"`
	Kind    string         `json:"kind"`
	Size    int            `json:"size"`
	Value   any            `json:"value,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Register mounts the routes under r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/entries", h.List)
	r.GET("/entries/:key", h.Get)
	r.PUT("/entries/:key", h.Put)
	r.DELETE("/entries/:key", h.Delete)
	r.POST("/sync", h.Sync)
	r.GET("/health", h.Health)
}

func (h *Handler) codec() *codec.Codec {
	if h.Codec == nil {
		return codec.New()
	}
	return h.Codec
}

// EncodeKey returns the URL form of an engine key.
func EncodeKey(k []byte) string {
	return base64.RawURLEncoding.EncodeToString(k)
}

func decodeKey(c *gin.Context, s string) ([]byte, bool) {
	k, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be unpadded base64url: " + err.Error()})
		return nil, false
	}
	return k, true
}

func (h *Handler) view(k, v []byte, withValue bool) EntryView {
	ev := EntryView{
		Key:  EncodeKey(k),
		Kind: codec.Parse(v).Kind.String(),
		Size: len(v),
	}
	if utf8.Valid(k) {
		ev.KeyText = string(k)
	}
	if info, ok := shelf.DescribeKey(k); ok {
		ev.Shelf = &info
		ev.KeyText = ""
	}
	if withValue {
		val, err := h.codec().Decode(v)
		if err != nil {
			ev.Error = err.Error()
		} else {
			ev.Value = val
		}
	}
	return ev
}

func (h *Handler) List(c *gin.Context) {
	var prefix []byte
	if p := c.Query("prefix"); p != "" {
		var ok bool
		if prefix, ok = decodeKey(c, p); !ok {
			return
		}
	}
	limit := DefaultLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	withValues := c.Query("values") == "true"

	entries := []EntryView{}
	errLimit := errors.New("limit reached")
	err := h.Engine.Scan(prefix, func(k, v []byte) error {
		if len(entries) == limit {
			return errLimit
		}
		entries = append(entries, h.view(k, v, withValues))
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "truncated": errors.Is(err, errLimit)})
}

func (h *Handler) Get(c *gin.Context) {
	k, ok := decodeKey(c, c.Param("key"))
	if !ok {
		return
	}
	v, err := h.Engine.Get(k)
	if errors.Is(err, engine.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.view(k, v, true))
}

// Put stores the JSON request body as a STRUCTURED value, strings included.
func (h *Handler) Put(c *gin.Context) {
	k, ok := decodeKey(c, c.Param("key"))
	if !ok {
		return
	}
	if len(k) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": engine.ErrEmptyKey.Error()})
		return
	}

	var val json.RawMessage
	if err := c.ShouldBindJSON(&val); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := h.codec().Encode(val)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Engine.Set(k, data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Delete(c *gin.Context) {
	k, ok := decodeKey(c, c.Param("key"))
	if !ok {
		return
	}
	err := h.Engine.Delete(k)
	if errors.Is(err, engine.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Sync(c *gin.Context) {
	if err := h.Engine.Sync(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
