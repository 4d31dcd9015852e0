package identity

import (
	"context"

	"github.com/hitoshi/expenseman/internal/model"
)

// Gateway はIdPへの操作を抽象化するインターフェース。
// 返すエラーは *Error で、KindOf で分類を取り出せる。
type Gateway interface {
	CreateAccount(ctx context.Context, email, password string) (*model.AccountHandle, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	SendVerificationEmail(ctx context.Context, idToken string) error
	IsEmailVerified(ctx context.Context, idToken string) (bool, error)
	UpdateDisplayName(ctx context.Context, idToken, name string) error
}

// compile-time interface check
var _ Gateway = (*RESTGateway)(nil)
