package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (r *recorder) Publish(subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestPublishJSON(t *testing.T) {
	rec := &recorder{}
	err := PublishJSON(rec, Subject(SubjectMatchFound, "u1"), map[string]string{"session_id": "s1"})
	require.NoError(t, err)

	require.Len(t, rec.subjects, 1)
	assert.Equal(t, "match.found.u1", rec.subjects[0])

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.payloads[0], &got))
	assert.Equal(t, "s1", got["session_id"])
}

func TestPublishJSONNilPublisher(t *testing.T) {
	assert.NoError(t, PublishJSON(nil, SubjectChat, struct{}{}))
}

func TestPublishJSONWrapsError(t *testing.T) {
	boom := errors.New("boom")
	err := PublishJSON(&recorder{err: boom}, SubjectChat, struct{}{})
	assert.ErrorIs(t, err, boom)
}
