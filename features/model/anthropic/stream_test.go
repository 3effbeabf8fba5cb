package anthropic

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/model"
)

func decodeEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func TestEventProcessorAssemblesToolCall(t *testing.T) {
	var got []model.Chunk
	p := &eventProcessor{
		emit:       func(c model.Chunk) error { got = append(got, c); return nil },
		toolBlocks: make(map[int]*toolBuffer),
	}

	events := []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"m","usage":{"input_tokens":5,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"let me "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"search","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"queries\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"[\"q\"]}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":5,"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}
	for _, raw := range events {
		require.NoError(t, p.handle(decodeEvent(t, raw)))
	}

	var kinds []string
	for _, c := range got {
		kinds = append(kinds, c.Type)
	}
	assert.Equal(t, []string{
		model.ChunkTypeText, model.ChunkTypeText,
		model.ChunkTypeToolCall,
		model.ChunkTypeUsage, model.ChunkTypeStop,
	}, kinds)

	call := got[2].ToolCall
	require.NotNil(t, call)
	assert.Equal(t, "toolu_9", call.ID)
	assert.Equal(t, "search", call.Name)
	assert.JSONEq(t, `{"queries":["q"]}`, string(call.Arguments))

	assert.Equal(t, 17, got[3].Usage.TotalTokens)
	assert.Equal(t, "tool_use", got[4].StopReason)
}

func TestEventProcessorThinkingDeltas(t *testing.T) {
	var got []model.Chunk
	p := &eventProcessor{
		emit:       func(c model.Chunk) error { got = append(got, c); return nil },
		toolBlocks: make(map[int]*toolBuffer),
	}

	events := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm, "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"maybe jira"}}`,
		`{"type":"content_block_stop","index":0}`,
	}
	for _, raw := range events {
		require.NoError(t, p.handle(decodeEvent(t, raw)))
	}

	require.Len(t, got, 2)
	assert.Equal(t, model.ChunkTypeThinking, got[0].Type)
	assert.Equal(t, "hmm, ", got[0].Thinking)
	assert.Equal(t, "maybe jira", got[1].Thinking)
}

func TestToolBufferEmptyInput(t *testing.T) {
	tb := &toolBuffer{id: "t", name: "noop"}
	assert.JSONEq(t, `{}`, string(tb.finalInput()))
}
