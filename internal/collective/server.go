package collective

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"distributed-ppo-rl/internal/params"
)

// Buffers travel as little-endian float64 bytes (base64 in JSON) so that
// NaN and infinities reach every rank like any other value.
type contributeRequest struct {
	Seq  uint64 `json:"seq"`
	Rank int    `json:"rank"`
	Root int    `json:"root"`
	Data []byte `json:"data"`
}

type contributeResponse struct {
	Data []byte `json:"data"`
}

// Server coordinates a fixed-size group of HTTP clients. Each request blocks
// until every rank has contributed to the same sequence number.
type Server struct {
	rounds  *rounds
	started time.Time
}

func NewServer(size int) (*Server, error) {
	if size <= 0 {
		return nil, errors.New("group size must be greater than zero")
	}
	return &Server{rounds: newRounds(size), started: time.Now()}, nil
}

func (s *Server) Size() int {
	return s.rounds.size
}

// Handler returns the gin engine serving the coordinator endpoints.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.StatusCode < http.StatusBadRequest {
			return ""
		}
		return fmt.Sprintf("[reduce-server] [%s] %s %s %d %s\n",
			param.TimeStamp.Format("2006-01-02 15:04:05"),
			param.Method,
			param.Path,
			param.StatusCode,
			param.ErrorMessage,
		)
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/stats", s.handleStats)
	r.POST("/allreduce", s.handleContribute(opAllReduce))
	r.POST("/broadcast", s.handleContribute(opBroadcast))
	return r
}

func (s *Server) handleStats(c *gin.Context) {
	pending, completed := s.rounds.stats()
	c.JSON(http.StatusOK, gin.H{
		"size":       s.rounds.size,
		"pending":    pending,
		"completed":  completed,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleContribute(op opKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req contributeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		data, err := params.DecodeFloats(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out, err := s.rounds.contribute(c.Request.Context(), contribution{
			Seq:  req.Seq,
			Rank: req.Rank,
			Op:   op,
			Root: req.Root,
			Data: data,
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, contributeResponse{Data: params.EncodeFloats(out)})
		case errors.Is(err, ErrLengthMismatch), errors.Is(err, ErrBadRank):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ErrOpMismatch), errors.Is(err, ErrDuplicateRank):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			// The client went away; nobody is left to read the response.
			klog.V(2).InfoS("contribution abandoned", "op", op, "rank", req.Rank, "seq", req.Seq, "err", err)
			c.Status(http.StatusRequestTimeout)
		}
	}
}
