package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient wires a client at the test server with sleeping
// replaced by a recorder.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var slept []time.Duration
	client := NewClient("test-token", WithEndpoint(server.URL))
	client.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return client, &slept
}

func TestDoSuccessDecodesData(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"value":41}}`)
	})

	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, client.Do(context.Background(), "query {}", nil, &out))
	assert.Equal(t, 41, out.Value)
}

func TestDoRetriesServerErrorsWithExponentialBackoff(t *testing.T) {
	attempts := 0
	client, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":{}}`)
	})

	require.NoError(t, client.Do(context.Background(), "query {}", nil, nil))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *slept)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	client, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.Do(context.Background(), "query {}", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial try + 3 retries
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, *slept)
}

func TestDoFailsFastOnClientError(t *testing.T) {
	attempts := 0
	client, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "bad credentials")
	})

	err := client.Do(context.Background(), "query {}", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
}

func TestDoSleepsUntilRateLimitReset(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).Unix()
	attempts := 0
	client, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"data":{}}`)
	})

	require.NoError(t, client.Do(context.Background(), "query {}", nil, nil))
	require.Len(t, *slept, 1)
	// Reset + 1s from now, allowing scheduling slack.
	assert.InDelta(t, 31*time.Second, (*slept)[0], float64(2*time.Second))
}

func TestDoHandles429(t *testing.T) {
	attempts := 0
	client, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":{}}`)
	})

	require.NoError(t, client.Do(context.Background(), "query {}", nil, nil))
	assert.Equal(t, 2, attempts)
	assert.Len(t, *slept, 1)
}

func TestDoConcatenatesGraphQLErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"first problem"},{"message":"second problem"}]}`)
	})

	err := client.Do(context.Background(), "query {}", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first problem; second problem")
}

func TestBoardClaimIssueFalseOnFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"not authorized"}]}`)
	})
	board := NewBoard(client, "octo", "repo", "PVT_1")

	assert.False(t, board.ClaimIssue(context.Background(), "PVT_1", "ITEM_1", "BOT_1"))
}

func TestBoardClaimIssueTrueOnSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"addAssigneesToAssignable":{"assignable":{"__typename":"Issue"}}}}`)
	})
	board := NewBoard(client, "octo", "repo", "PVT_1")

	assert.True(t, board.ClaimIssue(context.Background(), "PVT_1", "ITEM_1", "BOT_1"))
}

func TestBoardFindNextWorkItemSkipsAssignedAndNonTodo(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"node":{"number":7,"items":{"nodes":[
			{"id":"I1","fieldValueByName":{"name":"Done"},"content":{"number":1,"title":"done","body":"","assignees":{"totalCount":0},"labels":{"nodes":[]}}},
			{"id":"I2","fieldValueByName":{"name":"Todo"},"content":{"number":2,"title":"claimed","body":"","assignees":{"totalCount":1},"labels":{"nodes":[]}}},
			{"id":"I3","fieldValueByName":{"name":"Todo"},"content":{"number":3,"title":"Fix flaky retry","body":"Intro\n- [ ] AC one\n- [ ] AC two","assignees":{"totalCount":0},"labels":{"nodes":[{"name":"bug"}]}}}
		]}}}}`)
	})
	board := NewBoard(client, "octo", "repo", "PVT_1")

	item, err := board.FindNextWorkItem(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 3, item.IssueNumber)
	assert.Equal(t, 7, item.ProjectNumber)
	assert.Equal(t, "I3", item.ProjectItemID)
	assert.Equal(t, []string{"AC one", "AC two"}, item.AcceptanceCriteria)
	assert.Equal(t, []string{"bug"}, item.Labels)
}

func TestBoardFindNextWorkItemEmptyQueue(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"node":{"number":7,"items":{"nodes":[]}}}}`)
	})
	board := NewBoard(client, "octo", "repo", "PVT_1")

	item, err := board.FindNextWorkItem(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestParseAcceptanceCriteria(t *testing.T) {
	body := "Summary text\n\n## Acceptance Criteria\n- [ ] first\n* [x] second\n- not a checkbox\n- [ ]   third  "
	assert.Equal(t, []string{"first", "second", "third"}, ParseAcceptanceCriteria(body))
	assert.Empty(t, ParseAcceptanceCriteria("no checklist here"))
}
