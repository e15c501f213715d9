package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() *Payload {
	return &Payload{
		JobID:       "job-1",
		TransformID: 7,
		TargetID:    3,
		Kind:        "dataset",
		Owner:       "tenant-a",
		BatchKey:    "abc123",
		Bucket:      "bucket-a",
		DocIDs:      []int64{1, 2, 3},
	}
}

func TestPayloadValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validPayload().Validate())
	})

	t.Run("missing fields", func(t *testing.T) {
		cases := []struct {
			name   string
			mutate func(*Payload)
			want   error
		}{
			{"job id", func(p *Payload) { p.JobID = "" }, ErrMissingJobID},
			{"transform id", func(p *Payload) { p.TransformID = 0 }, ErrMissingTransform},
			{"owner", func(p *Payload) { p.Owner = "" }, ErrMissingOwner},
			{"batch key", func(p *Payload) { p.BatchKey = "" }, ErrMissingBatchKey},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				p := validPayload()
				tc.mutate(p)
				assert.ErrorIs(t, p.Validate(), tc.want)
			})
		}
	})
}

func TestPayloadRoundTrip(t *testing.T) {
	p := validPayload()

	data, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload([]byte("not json"))
	assert.Error(t, err)
}

func TestResultValidate(t *testing.T) {
	valid := func() *Result {
		return &Result{
			JobID:       "job-1",
			TransformID: 7,
			Owner:       "tenant-a",
			BatchKey:    "abc123",
			Status:      StatusSuccess,
			ChunkCount:  9,
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("unknown status", func(t *testing.T) {
		r := valid()
		r.Status = "exploded"
		assert.ErrorIs(t, r.Validate(), ErrUnknownStatus)
	})

	t.Run("missing owner", func(t *testing.T) {
		r := valid()
		r.Owner = ""
		assert.ErrorIs(t, r.Validate(), ErrMissingOwner)
	})
}

func TestResultStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProgress.Terminal())
}
