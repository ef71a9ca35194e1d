package shared

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestUserMessageScrubsPathsAndToken(t *testing.T) {
	cause := errors.Wrap(ErrExtraction, "unable to open /tmp/ytdlp/ytdlp_123/video.part via bot123:SECRET")
	err := &JobError{Stage: StageFullDownload, Err: cause}

	msg := UserMessage(err, "/tmp/ytdlp", "bot123:SECRET")

	assert.NotContains(t, msg, "/tmp/ytdlp")
	assert.NotContains(t, msg, "SECRET")
	assert.Contains(t, msg, "unable to open <file>")
	assert.True(t, len(msg) > len("Error: "))
	assert.Equal(t, "Error: ", msg[:7])
}

func TestUserMessageGenericForDeliveryAndArtifact(t *testing.T) {
	delivery := &JobError{Stage: StageDeliver, Err: errors.Wrap(ErrDeliveryFailed, "Bad Request: file /tmp/x too big")}
	assert.Equal(t, "Error: could not send the file to Telegram", UserMessage(delivery, "/tmp", ""))

	missing := &JobError{Stage: StageSelectFile, Err: ErrArtifactMissing}
	assert.Equal(t, "Error: the download produced no file", UserMessage(missing, "/tmp", ""))
}

func TestJobErrorUnwrap(t *testing.T) {
	err := errors.Wrap(&JobError{Stage: StageDeliver, Err: ErrDeliveryFailed}, "outer")

	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.Equal(t, StageDeliver, StageOf(err))
	assert.Equal(t, JobStage(""), StageOf(ErrDeliveryFailed))
	assert.Empty(t, UserMessage(nil, "", ""))
}
