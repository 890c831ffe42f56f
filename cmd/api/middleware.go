package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/auth"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authService == nil {
			writeFailure(w, http.StatusServiceUnavailable, "service unavailable", nil)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeFailure(w, http.StatusUnauthorized, "missing authorization", nil)
			return
		}
		p, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, p.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, p.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the authenticated caller. ok is false for anonymous
// requests.
func actorFrom(r *http.Request) (audit.Actor, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if userID == "" {
		return audit.Actor{}, false
	}
	switch role {
	case auth.RoleAdmin:
		return audit.Actor{Type: audit.ActorAdmin, ID: userID}, true
	case auth.RoleReviewer:
		return audit.Actor{Type: audit.ActorReviewer, ID: userID}, true
	case auth.RoleMerchant:
		return audit.Actor{Type: audit.ActorMerchant, ID: userID}, true
	}
	return audit.Actor{}, false
}

func isStaff(a audit.Actor) bool {
	return a.Type == audit.ActorAdmin || a.Type == audit.ActorReviewer
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log().Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeFailure(w, http.StatusInternalServerError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// principalLimiter keeps one token bucket per caller. Buckets idle for longer
// than ttl are dropped on the next sweep.
type principalLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[string]*bucket
	swept   time.Time
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newPrincipalLimiter(perSecond float64, burst int) *principalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &principalLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     10 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether key may proceed now. A nil limiter or a non-positive
// rate allows everything.
func (l *principalLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}
