package testutil

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		succeedAt int // call number that first returns true; 0 never
		want      bool
	}{
		{name: "immediate", succeedAt: 1, want: true},
		{name: "eventual", succeedAt: 3, want: true},
		{name: "timeout", succeedAt: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			got := WaitFor(t, func() bool {
				calls++
				return tt.succeedAt > 0 && calls >= tt.succeedAt
			}, WithTimeout(100*time.Millisecond), WithInterval(5*time.Millisecond))

			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Equal(t, tt.succeedAt, calls)
			}
		})
	}
}

func TestWaitFor_RespectsTimeout(t *testing.T) {
	t.Parallel()
	start := time.Now()
	WaitFor(t, func() bool { return false }, WithTimeout(50*time.Millisecond), WithInterval(5*time.Millisecond))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestSubscriber(t *testing.T) {
	t.Parallel()
	sub := NewSubscriber(t, func(e cloudevents.Event, attempt int) int {
		if e.ID() == "b" && attempt == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})

	post := func(id string) int {
		body := `{"specversion":"1.0","id":"` + id + `","source":"/test","type":"test"}`
		resp, err := http.Post(sub.URL, "application/cloudevents+json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("a"))
	assert.Equal(t, http.StatusServiceUnavailable, post("b"))
	assert.Equal(t, http.StatusOK, post("b"))

	assert.Equal(t, []string{"a", "b"}, sub.IDs())
	assert.Equal(t, 2, sub.Attempts("b"))
	assert.Equal(t, 3, sub.Requests())
	require.Len(t, sub.Accepted(), 2)
	assert.Equal(t, "/test", sub.Accepted()[0].Source())

	sub.SetResponder(func(cloudevents.Event, int) int { return http.StatusGone })
	assert.Equal(t, http.StatusGone, post("c"))
	assert.Equal(t, []string{"a", "b"}, sub.IDs())
}

func TestSubscriber_RejectsMalformed(t *testing.T) {
	t.Parallel()
	sub := NewSubscriber(t, nil)

	resp, err := http.Post(sub.URL, "application/json", bytes.NewBufferString("not json"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, sub.Requests())
}
