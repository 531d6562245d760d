package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *pgxpool.Pool. Redis clients are wrapped in a PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database *bool  `json:"database,omitempty"`
	Redis    *bool  `json:"redis,omitempty"`
}

// Checker pings the configured dependencies. A nil dependency is not checked.
type Checker struct {
	DB      Pinger
	Redis   Pinger
	Timeout time.Duration
}

func (c Checker) Check(ctx context.Context) Status {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	st := Status{OK: true, Message: "ok"}

	if c.DB != nil {
		ok := ping(ctx, c.DB, timeout)
		st.Database = &ok
		if !ok {
			st.OK = false
			st.Message = "db ping failed"
		}
	}
	if c.Redis != nil {
		ok := ping(ctx, c.Redis, timeout)
		st.Redis = &ok
		if !ok {
			st.OK = false
			if st.Message == "ok" {
				st.Message = "redis ping failed"
			} else {
				st.Message += ", redis ping failed"
			}
		}
	}
	return st
}

func ping(ctx context.Context, p Pinger, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Ping(ctx) == nil
}

// Handler returns a gin handler that reports the health status of the service
func (c Checker) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		st := c.Check(ctx.Request.Context())
		code := http.StatusOK
		if !st.OK {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, st)
	}
}
