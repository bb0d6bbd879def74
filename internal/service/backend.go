package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/remote"
)

// Backend is the remote content service a controller drives.
// *remote.Client implements it.
type Backend interface {
	CreateSession(ctx context.Context, req remote.CreateSessionRequest) (*remote.CreateSessionResponse, error)
	RenameSession(ctx context.Context, sessionID, name string) (*remote.RenameResponse, error)
	StartPhase(ctx context.Context, sessionID string) error
	SubmitAnswer(ctx context.Context, sessionID string, req remote.AnswerRequest) (*remote.AnswerResponse, error)
	GenerateSection(ctx context.Context, sessionID string, number int) (*remote.SectionResponse, error)
	SectionStatus(ctx context.Context, sessionID string, number int) (*remote.SectionStatusResponse, error)
	ConfirmQuestion(ctx context.Context, sessionID string, number int, responseID string) error
	ConfirmSection(ctx context.Context, sessionID string, number int) (*remote.ConfirmSectionResponse, error)
	UpdateAnswer(ctx context.Context, sessionID string, number int, responseID, answer string) (*remote.QuestionResponse, error)
	RegenerateAnswer(ctx context.Context, sessionID string, number int, responseID string) (*remote.QuestionResponse, error)
	GetProgress(ctx context.Context, sessionID string) (*remote.Progress, error)
	SaveProgress(ctx context.Context, sessionID string, pos domain.Position) error
	GetHistory(ctx context.Context, sessionID string) ([]*domain.Message, error)
	SaveHistory(ctx context.Context, sessionID string, messages []*domain.Message) error
	Export(ctx context.Context, sessionID string) (io.ReadCloser, string, error)
}

var _ Backend = (*remote.Client)(nil)

// DeferredError reports a backend failure behind a transition that was still
// applied locally. The returned state is valid; the backend catches up on a
// later call or mount.
type DeferredError struct {
	Op  string
	Err error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s: backend call failed, local state advanced: %v", e.Op, e.Err)
}

func (e *DeferredError) Unwrap() error { return e.Err }

// IsDeferred reports whether err only signals a deferred backend failure
func IsDeferred(err error) bool {
	var d *DeferredError
	return errors.As(err, &d)
}

func deferred(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeferredError{Op: op, Err: err}
}
