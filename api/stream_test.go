package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/invoiceflow/events"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// readSSE consumes an event stream until the server closes it.
func readSSE(t *testing.T, url string) []map[string]interface{} {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	var frames []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	require.NoError(t, scanner.Err())
	return frames
}

func frameTypes(frames []map[string]interface{}) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		t, _ := f["type"].(string)
		out = append(out, t)
	}
	return out
}

// completedStages extracts the stage names of stage_update(completed)
// frames, in stream order.
func completedStages(frames []map[string]interface{}) []string {
	var out []string
	for _, f := range frames {
		if f["type"] == events.TypeStageUpdate && f["status"] == events.StatusCompleted {
			out = append(out, f["stage"].(string))
		}
	}
	return out
}

func TestSSEReplayAfterCompletion(t *testing.T) {
	_, ts := newTestServer(t)

	threadID := submit(t, ts, matchedPayload("INV-SSE-001"))
	waitForStatus(t, ts, threadID, workflow.StatusCompleted)

	frames := readSSE(t, ts.URL+"/events/workflow/"+threadID)
	require.NotEmpty(t, frames)

	// History first, the connected marker last, stream closed.
	last := frames[len(frames)-1]
	assert.Equal(t, events.TypeConnected, last["type"])
	assert.Equal(t, threadID, last["thread_id"])

	types := frameTypes(frames)
	assert.Equal(t, events.TypeLog, types[0], "submission log leads the stream")

	finale := frames[len(frames)-2]
	assert.Equal(t, events.TypeStageUpdate, finale["type"])
	assert.Equal(t, events.WorkflowStage, finale["stage"])
	assert.Equal(t, events.StatusWorkflowComplete, finale["status"])
	data := finale["data"].(map[string]interface{})
	assert.Equal(t, workflow.StatusCompleted, data["final_status"])

	assert.Equal(t, []string{
		workflow.StageIntake,
		workflow.StageUnderstand,
		workflow.StagePrepare,
		workflow.StageRetrieve,
		workflow.StageMatchTwoWay,
		workflow.StageReconcile,
		workflow.StageApprove,
		workflow.StagePosting,
		workflow.StageNotify,
		workflow.StageComplete,
	}, completedStages(frames))
}

func TestSSELiveStream(t *testing.T) {
	_, ts := newTestServer(t)

	threadID := submit(t, ts, matchedPayload("INV-SSE-002"))

	// Attach while the workflow is (probably) still running; replay
	// plus live delivery must add up to the same total order.
	frames := readSSE(t, ts.URL+"/events/workflow/"+threadID)
	require.NotEmpty(t, frames)

	connected := 0
	for _, f := range frames {
		if f["type"] == events.TypeConnected {
			connected++
		}
	}
	assert.Equal(t, 1, connected)

	assert.Len(t, completedStages(frames), 10)

	var sawComplete bool
	for _, f := range frames {
		if f["type"] == events.TypeStageUpdate && f["status"] == events.StatusWorkflowComplete {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete, "stream should deliver workflow_complete before closing")
}

func TestSSEUnknownThreadSendsConnectedOnly(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/workflow/ghost-thread", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var frames []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	// The context deadline tears the stream down; that error is the
	// point of the test, not a failure.

	require.Len(t, frames, 1)
	assert.Equal(t, events.TypeConnected, frames[0]["type"])
	assert.Equal(t, "ghost-thread", frames[0]["thread_id"])
}

func TestWebSocketStream(t *testing.T) {
	_, ts := newTestServer(t)

	threadID := submit(t, ts, matchedPayload("INV-WS-001"))
	waitForStatus(t, ts, threadID, workflow.StatusCompleted)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws/workflow/" + threadID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frames []map[string]interface{}
	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected a normal close, got: %v", err)
			break
		}
		frames = append(frames, frame)
	}

	require.NotEmpty(t, frames)
	assert.Equal(t, events.TypeConnected, frames[len(frames)-1]["type"])
	assert.Len(t, completedStages(frames), 10)

	finale := frames[len(frames)-2]
	assert.Equal(t, events.StatusWorkflowComplete, finale["status"])
}
