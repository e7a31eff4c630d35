package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/stepwise/internal/auth"
	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrUnknownProtocol = errors.New("server: unknown protocol")
	ErrNotStartable    = errors.New("server: protocol cannot be started over the api")
)

type snapshotView struct {
	Instance string    `json:"instance"`
	Protocol string    `json:"protocol"`
	Owner    string    `json:"owner"`
	State    int       `json:"state"`
	Name     string    `json:"state_name"`
	Terminal bool      `json:"terminal"`
	Pending  int       `json:"pending"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

func viewSnapshot(s engine.Snapshot) snapshotView {
	return snapshotView{
		Instance: s.Key.Instance.String(),
		Protocol: s.Protocol,
		Owner:    hex.EncodeToString(s.Owner.Bytes()),
		State:    int(s.State.ID),
		Name:     s.StateName,
		Terminal: s.State.Terminal(),
		Pending:  s.Pending,
		Created:  s.Created,
		Updated:  s.Updated,
	}
}

type resultView struct {
	Instance    string `json:"instance"`
	Owner       string `json:"owner"`
	Disposition string `json:"disposition"`
	Step        string `json:"step,omitempty"`
	From        int    `json:"from"`
	To          int    `json:"to"`
	Reason      string `json:"reason,omitempty"`
}

func viewResult(r engine.Result) resultView {
	out := resultView{
		Instance:    r.Key.Instance.String(),
		Owner:       hex.EncodeToString(r.Key.Owner.Bytes()),
		Disposition: r.Disposition.String(),
		Step:        r.Step,
		From:        int(r.From),
		To:          int(r.To),
	}
	if r.Reason != nil {
		out.Reason = r.Reason.Error()
	}
	return out
}

type startRequest struct {
	// Owner is the hex form of the initiating identity.
	Owner  string          `json:"owner"`
	Params json.RawMessage `json:"params"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) registerRoutes(v auth.Validator) {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/protocols", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"protocols": s.protocols.List()})
	})
	r.GET("/instances", s.listInstances)
	r.GET("/instances/:protocol/:instance", s.getInstance)

	guarded := r.Group("/", auth.RequireBearer(v))
	guarded.POST("/instances/:protocol/:instance/cancel", s.cancelInstance)
	guarded.POST("/protocols/:protocol/start", s.startInstance)
}

// resolveProtocol accepts a protocol by numeric id or registered name.
func (s *Server) resolveProtocol(raw string) (*engine.Definition, error) {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.Atoi(raw); err == nil {
		if def, ok := s.protocols.Resolve(message.ProtocolID(id)); ok {
			return def, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, raw)
	}
	for _, info := range s.protocols.List() {
		if info.Name == raw {
			if def, ok := s.protocols.Resolve(info.ID); ok {
				return def, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, raw)
}

// owner parses a hex identity, falling back to the node's default owner.
func (s *Server) owner(raw string) (message.Identity, error) {
	if raw == "" {
		if s.cfg.Owner.IsZero() {
			return "", errors.New("owner is required")
		}
		return s.cfg.Owner, nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) == 0 {
		return "", errors.New("owner must be hex")
	}
	return message.IdentityFromBytes(b), nil
}

// instanceKey reads the protocol and instance path parameters. Instances
// belong to an owned identity, selected with ?owner=<hex>.
func (s *Server) instanceKey(c *gin.Context) (message.InstanceKey, bool) {
	def, err := s.resolveProtocol(c.Param("protocol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return message.InstanceKey{}, false
	}
	id, err := uuid.Parse(c.Param("instance"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return message.InstanceKey{}, false
	}
	owner, err := s.owner(c.Query("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return message.InstanceKey{}, false
	}
	return message.InstanceKey{Owner: owner, Protocol: def.ID, Instance: id}, true
}

func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed), errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listInstances(c *gin.Context) {
	snaps, err := s.engine.Instances(c.Request.Context())
	if err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	views := make([]snapshotView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, viewSnapshot(snap))
	}
	c.JSON(http.StatusOK, gin.H{"instances": views})
}

func (s *Server) getInstance(c *gin.Context) {
	key, ok := s.instanceKey(c)
	if !ok {
		return
	}
	snap, err := s.engine.State(c.Request.Context(), key)
	if err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewSnapshot(snap))
}

func (s *Server) cancelInstance(c *gin.Context) {
	key, ok := s.instanceKey(c)
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	res, err := s.engine.Cancel(c.Request.Context(), key, req.Reason)
	if err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if errors.Is(res.Reason, engine.ErrInstanceTerminal) {
		status = http.StatusConflict
	}
	c.JSON(status, viewResult(res))
}

func (s *Server) startInstance(c *gin.Context) {
	def, err := s.resolveProtocol(c.Param("protocol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	start, ok := s.starters[def.ID]
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("%v: %s", ErrNotStartable, def.Name)})
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := s.owner(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := start(owner, req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.engine.Process(c.Request.Context(), msg)
	if err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	status := http.StatusAccepted
	switch res.Disposition {
	case engine.Rejected, engine.Discarded:
		status = http.StatusUnprocessableEntity
	case engine.Faulted:
		status = http.StatusInternalServerError
	}
	c.JSON(status, viewResult(res))
}
