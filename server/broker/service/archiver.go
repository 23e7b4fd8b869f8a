package service

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"

	"support_broker/server/broker/domain"
	"support_broker/server/common/infra/object"
)

// TranscriptArchiver stores the full conversation of a closed session.
type TranscriptArchiver interface {
	Archive(ctx context.Context, session domain.ChatSession, messages []domain.ChatMessage) error
}

type Transcript struct {
	Session    domain.ChatSession   `json:"session"`
	Messages   []domain.ChatMessage `json:"messages"`
	ArchivedAt time.Time            `json:"archived_at"`
}

type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(client *minio.Client, bucket string) *MinioArchiver {
	return &MinioArchiver{client: client, bucket: bucket}
}

func TranscriptKey(session domain.ChatSession) string {
	return fmt.Sprintf("transcripts/%s/%s.json", session.UserID, session.ID)
}

func (a *MinioArchiver) Archive(ctx context.Context, session domain.ChatSession, messages []domain.ChatMessage) error {
	return object.PutJSON(ctx, a.client, a.bucket, TranscriptKey(session), Transcript{
		Session:    session,
		Messages:   messages,
		ArchivedAt: time.Now().UTC(),
	})
}
