package taskcache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCacheProg(t *testing.T, m *CacheManager, requests ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	cp := NewCacheProg(m, strings.NewReader(strings.Join(requests, "\n\n")), &out)
	require.NoError(t, cp.Run())

	var responses []Response
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestCacheProgSession(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)

	responses := runCacheProg(t, m,
		`{"ID":1,"Command":"get","Task":"train","Version":"v1","Hash":"abc123","Fields":["result","metrics"]}`,
		`{"ID":2,"Command":"put","Task":"train","Version":"v1","Hash":"abc123","Outputs":{"result":[1, 2],"metrics":{"loss":0.5}}}`,
		`{"ID":3,"Command":"stat","Task":"train","Version":"v1","Hash":"abc123","Fields":["result","metrics"]}`,
		`{"ID":4,"Command":"get","Task":"train","Version":"v1","Hash":"abc123","Fields":["metrics"]}`,
		`{"ID":5,"Command":"bogus"}`,
		`{"ID":6,"Command":"close"}`,
		`{"ID":7,"Command":"get","Task":"ignored"}`,
	)
	require.Len(t, responses, 7)

	assert.Equal(t, []Cmd{CmdGet, CmdStat, CmdPut, CmdClose}, responses[0].KnownCommands)

	assert.Equal(t, int64(1), responses[1].ID)
	assert.True(t, responses[1].Miss)

	assert.Equal(t, int64(2), responses[2].ID)
	assert.Empty(t, responses[2].Err)

	assert.False(t, responses[3].Miss)
	assert.Len(t, responses[3].Hashes, 2)
	assert.Nil(t, responses[3].Values)
	assert.Equal(t, 0, storage.totalContentsCalls(), "stat fetches no contents")

	assert.JSONEq(t, `{"loss":0.5}`, string(responses[4].Values["metrics"]))
	assert.NotContains(t, responses[4].Values, "result")

	assert.Contains(t, responses[5].Err, "unknown command")
	assert.Equal(t, int64(6), responses[6].ID)
}

func TestCacheProgInvalidField(t *testing.T) {
	m := NewCacheManager(newMemoryStorage())

	responses := runCacheProg(t, m,
		`{"ID":1,"Command":"get","Task":"train","Version":"v1","Hash":"abc123","Fields":["a/b"]}`,
	)
	require.Len(t, responses, 2)
	assert.Contains(t, responses[1].Err, "invalid field name")
}

func TestCacheProgMalformedRequest(t *testing.T) {
	m := NewCacheManager(newMemoryStorage())
	cp := NewCacheProg(m, strings.NewReader("{not json"), &bytes.Buffer{})
	assert.Error(t, cp.Run())
}
