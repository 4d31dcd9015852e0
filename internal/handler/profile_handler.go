package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/expenseman/internal/auth"
	"github.com/hitoshi/expenseman/internal/middleware"
	"github.com/hitoshi/expenseman/internal/model"
)

// ProfileFinder はプロフィールハンドラーが必要とするリポジトリインターフェース。
type ProfileFinder interface {
	FindByUID(ctx context.Context, uid string) (*model.Profile, error)
}

// ProfileHandler はログイン中ユーザーのプロフィールを返すハンドラー。
type ProfileHandler struct {
	machines MachineProvider
	profiles ProfileFinder
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(machines MachineProvider, profiles ProfileFinder) *ProfileHandler {
	return &ProfileHandler{machines: machines, profiles: profiles}
}

type profileResponse struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// GetProfile はプロフィールを返す。logged_in状態でのみ利用できる。
// GET /api/profile
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}
	m := h.machines.Machine(clientID)

	if _, err := m.Restore(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	sess := m.Session()
	if m.State() != auth.StateLoggedIn || sess == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	profile, err := h.profiles.FindByUID(r.Context(), sess.UID)
	if err != nil {
		slog.Error("failed to find profile",
			slog.String("uid", sess.UID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if profile == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		UID:       profile.UID,
		Email:     profile.Email,
		Name:      profile.Name,
		CreatedAt: profile.CreatedAt,
	})
}
