package controller

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/model"
)

// UserHeader carries the caller's user id, set by the upstream auth proxy.
const UserHeader = "X-User-ID"

type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

type userKey struct{}

// Identity resolves UserHeader to a user and stores it on the request
// context. Requests without a known user get 401.
func Identity(users UserLookup, log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(UserHeader))
			if raw == "" {
				WriteError(w, log, appErrors.NewUnauthorized("missing "+UserHeader+" header"))
				return
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				WriteError(w, log, appErrors.NewUnauthorized("invalid "+UserHeader+" header"))
				return
			}

			user, err := users.GetByID(r.Context(), id)
			if appErrors.IsNotFound(err) {
				WriteError(w, log, appErrors.NewUnauthorized("unknown user"))
				return
			}
			if err != nil {
				WriteError(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func UserFrom(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey{}).(*model.User)
	return u, ok && u != nil
}
