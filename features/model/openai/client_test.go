package openai

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/model"
)

type fakeChat struct {
	gotParams sdk.ChatCompletionNewParams
	resp      *sdk.ChatCompletion
	err       error
}

func (f *fakeChat) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.gotParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeEmbeddings struct {
	gotParams sdk.EmbeddingNewParams
	resp      *sdk.CreateEmbeddingResponse
}

func (f *fakeEmbeddings) New(_ context.Context, params sdk.EmbeddingNewParams, _ ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error) {
	f.gotParams = params
	return f.resp, nil
}

func TestCompleteTranslatesMessagesAndTools(t *testing.T) {
	fake := &fakeChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			FinishReason: "tool_calls",
			Message: sdk.ChatCompletionMessage{
				Content: "checking",
				ToolCalls: []sdk.ChatCompletionMessageToolCallUnion{{
					ID: "call_1",
					Function: sdk.ChatCompletionMessageFunctionToolCallFunction{
						Name:      "search",
						Arguments: `{"queries":["q"]}`,
					},
				}},
			},
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4.1"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "you are helpful"},
			{Role: model.RoleUser, Content: "find things"},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "search",
			Description: "run a search",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", string(fake.gotParams.Model))
	require.Len(t, fake.gotParams.Messages, 2)
	require.Len(t, fake.gotParams.Tools, 1)

	assert.Equal(t, "checking", resp.Content)
	assert.Equal(t, "tool_calls", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"queries":["q"]}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteEchoesAssistantToolCalls(t *testing.T) {
	fake := &fakeChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: "done"}}},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4.1"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "q"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
				{ID: "call_1", Name: "search", Arguments: []byte(`{}`)},
			}},
			{Role: model.RoleTool, ToolCallID: "call_1", Content: "no results"},
		},
	})
	require.NoError(t, err)

	require.Len(t, fake.gotParams.Messages, 3)
	asst := fake.gotParams.Messages[1].OfAssistant
	require.NotNil(t, asst)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "call_1", asst.ToolCalls[0].OfFunction.ID)
}

func TestCompleteNormalizesEmptyArguments(t *testing.T) {
	fake := &fakeChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			Message: sdk.ChatCompletionMessage{
				ToolCalls: []sdk.ChatCompletionMessageToolCallUnion{{
					ID:       "call_2",
					Function: sdk.ChatCompletionMessageFunctionToolCallFunction{Name: "noop"},
				}},
			},
		}},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4.1"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "q"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[0].Arguments))
}

func TestCompleteRequiresMessages(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4.1"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestStreamUnsupported(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4.1"})
	require.NoError(t, err)
	_, err = c.Stream(context.Background(), &model.Request{})
	assert.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestEmbedderOrdersByIndex(t *testing.T) {
	fake := &fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{
		Data: []sdk.Embedding{
			{Index: 1, Embedding: []float64{0.3, 0.4}},
			{Index: 0, Embedding: []float64{0.1, 0.2}},
		},
	}}
	e, err := NewEmbedder(EmbedderOptions{Client: fake, Dimensions: 2})
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float32{0.3, 0.4}, vecs[1])
	assert.Equal(t, 2, e.Dimensions())
}

func TestEmbedderRejectsShortResponse(t *testing.T) {
	fake := &fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{
		Data: []sdk.Embedding{{Index: 0, Embedding: []float64{1}}},
	}}
	e, err := NewEmbedder(EmbedderOptions{Client: fake})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}
