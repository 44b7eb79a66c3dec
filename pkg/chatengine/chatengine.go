// Package chatengine drives one conversation turn end to end: it writes
// the user/assistant message pair, assembles the outbound message list
// (system prompt, bounded history, current envelope), aggregates
// built-in and MCP tools, and runs the bounded streaming tool-call loop
// against an OpenAI-compatible model. Grounded on the teacher's
// pkg/model/provider/oaistream/adapter.go (delta and by-index
// tool-call accumulation) and pkg/server/server.go's runAgent
// (channel-based event delivery to a long-lived client).
package chatengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/idgen"
	"github.com/xgpxg/fskb/pkg/mcpmanager"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/reader"
	"github.com/xgpxg/fskb/pkg/streamregistry"
	"github.com/xgpxg/fskb/pkg/tools"
)

// historyWindow is the number of prior messages fed to the model.
const historyWindow = 50

// softToolCallDepthCap is logged past, never enforced: depth is
// tracked for logging only, never used as a hard stop.
const softToolCallDepthCap = 10

const (
	ruleImagesPresent = "请调用图片工具分析图片"
	ruleFilesPresent  = "请调用文件工具分析文件"
)

// EventKind distinguishes the three shapes a streamed Event can take.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventMessage EventKind = "message"
	EventDone    EventKind = "done"
)

// Event is one update forwarded over a chat's channel.
type Event struct {
	Kind    EventKind
	Message *metadata.ChatMessage
}

// ChannelKey is the streamregistry key for one assistant reply,
// `<kb_id>-<assistant row id>`, where the row id is the assistant
// message's ChatMessage.ID, not its per-kb message_id counter.
func ChannelKey(kbID, assistantMessageID int64) string {
	return fmt.Sprintf("%d-%d", kbID, assistantMessageID)
}

// ModelClientFunc returns a configured OpenAI-compatible client and the
// model name to use for kb's configured chat model.
type ModelClientFunc func(ctx context.Context, modelID int64) (client *openai.Client, modelName string, err error)

// ProfileYAMLFunc returns the decrypted user-profile YAML, when profile
// memory is enabled.
type ProfileYAMLFunc func(ctx context.Context) (yaml string, ok bool, err error)

// ProfileExtractFunc is invoked asynchronously after a successful reply
// to update the stored profile, when profile memory is enabled.
type ProfileExtractFunc func(ctx context.Context, kbID int64, assistantContent string)

// Deps are the collaborators the orchestrator is built from.
type Deps struct {
	Metadata       *metadata.DB
	IDs            *idgen.Generator
	MCP            *mcpmanager.Manager
	BuiltinTools   []tools.Tool
	Model          ModelClientFunc
	Registry       *streamregistry.Registry[Event]
	ProfileYAML    ProfileYAMLFunc
	ExtractProfile ProfileExtractFunc
}

// Engine runs chat turns for any knowledge base.
type Engine struct {
	deps Deps
}

// New builds an Engine.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Chat starts one turn: it writes the user/assistant message pair,
// opens a resumable channel, and returns its key and sink immediately
// while the model call runs in the background. The caller is free to
// drop the sink (e.g. on client disconnect); the background work keeps
// running and updating the shared cache so a later resume still sees
// the completed reply.
func (e *Engine) Chat(ctx context.Context, kb *metadata.KnowledgeBase, userContent metadata.UserEnvelope) (string, chan Event, error) {
	last, err := e.lastMessageID(ctx, kb.ID)
	if err != nil {
		return "", nil, err
	}
	userSeq := last + 1
	assistantSeq := last + 2
	userID := e.deps.IDs.Next()
	assistantID := e.deps.IDs.Next()

	if len(userContent.Images) > 0 {
		userContent.Rules = append(userContent.Rules, ruleImagesPresent)
	}
	if len(userContent.Files) > 0 {
		userContent.Rules = append(userContent.Rules, ruleFilesPresent)
	}

	envelopeJSON, err := json.Marshal(userContent)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling user envelope: %w", err)
	}

	if err := e.deps.Metadata.AddUserTurn(ctx, kb.ID, userID, userSeq, assistantID, assistantSeq, string(envelopeJSON)); err != nil {
		return "", nil, err
	}

	key := ChannelKey(kb.ID, assistantID)
	sink := e.deps.Registry.Open(key)

	now := time.Now().UTC()
	e.deps.Registry.Publish(key, Event{Kind: EventStart, Message: &metadata.ChatMessage{
		ID:              assistantID,
		KnowledgeBaseID: kb.ID,
		MessageID:       assistantSeq,
		ParentMessageID: userID,
		Role:            metadata.RoleAssistant,
		Status:          metadata.ChatPending,
		CreateTime:      now,
		UpdateTime:      now,
	}})

	go e.run(context.WithoutCancel(ctx), kb, userContent, userSeq, assistantID, assistantSeq, key)

	return key, sink, nil
}

// Resume reattaches newSink to an in-flight or just-finished stream.
// ok is false when there is nothing to resume: the caller closes
// newSink itself without anything having been published on it, so a
// resume of an already-terminal or crashed message yields an empty
// stream rather than a synthesized terminal event.
func (e *Engine) Resume(ctx context.Context, kb *metadata.KnowledgeBase, assistantMessageID int64, newSink chan Event) (bool, error) {
	key := ChannelKey(kb.ID, assistantMessageID)

	if cached, ok := e.deps.Registry.Attach(key, newSink); ok {
		newSink <- cached
		return true, nil
	}

	msg, err := e.deps.Metadata.GetChatMessage(ctx, assistantMessageID)
	if err != nil {
		return false, err
	}
	if msg.Status == metadata.ChatPending {
		if err := e.deps.Metadata.FinishAssistantMessage(ctx, assistantMessageID, metadata.ChatError, "interrupted"); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (e *Engine) lastMessageID(ctx context.Context, kbID int64) (int64, error) {
	recent, err := e.deps.Metadata.ListChatHistory(ctx, kbID, 1)
	if err != nil {
		return 0, err
	}
	if len(recent) == 0 {
		return 0, nil
	}
	return recent[0].MessageID, nil
}

// run performs the command path or the full model loop, always ending
// by finishing the assistant message and closing the channel. userSeq
// is the user turn's per-kb message counter (bounding which history
// rows buildMessages may reuse); assistantID/assistantSeq are the
// assistant reply's global row id and per-kb counter respectively.
func (e *Engine) run(ctx context.Context, kb *metadata.KnowledgeBase, userContent metadata.UserEnvelope, userSeq, assistantID, assistantSeq int64, key string) {
	if userContent.Command != "" {
		result, err := runCommand(userContent.Command)
		if err != nil {
			e.finishError(ctx, kb.ID, assistantID, assistantSeq, key, err)
			return
		}
		e.finishSuccess(ctx, kb.ID, assistantID, assistantSeq, key, result)
		return
	}

	if err := e.converse(ctx, kb, userContent, userSeq, assistantID, assistantSeq, key); err != nil {
		e.finishError(ctx, kb.ID, assistantID, assistantSeq, key, err)
	}
}

func (e *Engine) converse(ctx context.Context, kb *metadata.KnowledgeBase, userContent metadata.UserEnvelope, userSeq, assistantID, assistantSeq int64, key string) error {
	msgs, err := e.buildMessages(ctx, kb, userContent, userSeq)
	if err != nil {
		return err
	}

	client, modelName, err := e.deps.Model(ctx, kb.ModelID)
	if err != nil {
		return err
	}

	qualified, handlers := e.qualifiedTools(ctx)
	wireTools := make([]openai.Tool, len(qualified))
	for i, t := range qualified {
		wireTools[i] = toOpenAITool(t)
	}

	var buffer strings.Builder

	for depth := 1; ; depth++ {
		if depth > softToolCallDepthCap {
			slog.Warn("chat tool-call loop exceeded soft depth cap", "kb_id", kb.ID, "depth", depth)
		}

		req := openai.ChatCompletionRequest{
			Model:    modelName,
			Messages: msgs,
			Stream:   true,
		}
		if len(wireTools) > 0 {
			req.Tools = wireTools
		}

		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return fmt.Errorf("starting model stream: %w", err)
		}

		calls := map[int]*openai.ToolCall{}
		var order []int

		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return fmt.Errorf("receiving model stream: %w", err)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				buffer.WriteString(delta.Content)
				e.publishSnapshot(kb.ID, assistantID, assistantSeq, key, buffer.String())
			}
			if rc := reasoningContent(delta); rc != "" {
				buffer.WriteString("<think>" + rc + "</think>")
				e.publishSnapshot(kb.ID, assistantID, assistantSeq, key, buffer.String())
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := calls[idx]
				if !ok {
					cp := tc
					calls[idx] = &cp
					order = append(order, idx)
					continue
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}
		stream.Close()

		if len(calls) == 0 {
			e.finishSuccess(ctx, kb.ID, assistantID, assistantSeq, key, buffer.String())
			return nil
		}

		sort.Ints(order)
		assistantToolCalls := make([]openai.ToolCall, 0, len(order))
		for _, idx := range order {
			assistantToolCalls = append(assistantToolCalls, *calls[idx])
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: assistantToolCalls,
		})

		for _, idx := range order {
			call := calls[idx]
			output, isErr := e.dispatchToolCall(ctx, handlers, call.Function.Name, call.Function.Arguments)
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    output,
			})
			if isErr {
				slog.Warn("tool call returned an error", "kb_id", kb.ID, "tool", call.Function.Name)
			}
		}
	}
}

// buildMessages assembles the system prompt, up to historyWindow prior
// turns, and the current user envelope.
func (e *Engine) buildMessages(ctx context.Context, kb *metadata.KnowledgeBase, userContent metadata.UserEnvelope, userMsgID int64) ([]openai.ChatCompletionMessage, error) {
	system, err := e.systemPrompt(ctx, kb)
	if err != nil {
		return nil, err
	}

	history, err := e.deps.Metadata.ListChatHistory(ctx, kb.ID, historyWindow+2)
	if err != nil {
		return nil, err
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})

	var prior []*metadata.ChatMessage
	for _, m := range history {
		if m.MessageID < userMsgID {
			prior = append(prior, m)
		}
	}
	if len(prior) > historyWindow {
		prior = prior[len(prior)-historyWindow:]
	}
	for _, m := range prior {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	envelopeJSON, err := json.Marshal(userContent)
	if err != nil {
		return nil, fmt.Errorf("marshaling user envelope: %w", err)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: string(envelopeJSON)})

	return msgs, nil
}

// systemPromptTemplate holds the behavioral rules, envelope schema, and
// output conventions common to every knowledge base; only the
// description and, optionally, the profile block vary per call.
const systemPromptTemplate = `You are the assistant built into a local knowledge-base application. Answer using the knowledge base's content when it is relevant, and say plainly when something is not covered by it rather than guessing.

User messages arrive as a JSON envelope: {"text": string, "images"?: [string], "audios"?: [string], "videos"?: [string], "files"?: [string], "rules"?: [string], "command"?: string}. "rules" are instructions you must follow for this turn; a "command" means this turn is handled mechanically and you will not see it.

Format every reply as Markdown. Write inline math as $...$ and block math as $$...$$, with no leading or trailing space inside the delimiters.

Current time: %s.

Knowledge base description: %s
`

func (e *Engine) systemPrompt(ctx context.Context, kb *metadata.KnowledgeBase) (string, error) {
	desc := kb.NaturalLanguageDesc
	if desc == "" {
		desc = "no imported sources yet"
	}
	prompt := fmt.Sprintf(systemPromptTemplate, time.Now().UTC().Format(time.RFC3339), desc)

	if e.deps.ProfileYAML != nil {
		yamlText, enabled, err := e.deps.ProfileYAML(ctx)
		if err != nil {
			return "", err
		}
		if enabled && yamlText != "" {
			prompt += "\nUser profile (YAML):\n" + yamlText + "\n"
		}
	}
	return prompt, nil
}

// runCommand executes the built-in command path, never calling the
// model. The only command currently defined is "GetText <path>", which
// extracts a file's text via the same reader dispatch the ingestion
// pipeline uses.
func runCommand(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", apperror.Business("empty command", nil)
	}

	switch fields[0] {
	case "GetText":
		if len(fields) < 2 {
			return "", apperror.Business("GetText requires a file path", nil)
		}
		path := fields[1]
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		parsed, err := reader.Dispatch(ext, path)
		if err != nil {
			return "", err
		}
		if parsed.Text != "" {
			return parsed.Text, nil
		}
		if parsed.Table != nil {
			return parsed.Table.ToText(), nil
		}
		return "", nil
	default:
		return "", apperror.Business(fmt.Sprintf("unknown command %q", fields[0]), nil)
	}
}

// reasoningContent reads the provider-specific reasoning field (e.g.
// Deepseek's reasoning_content) off a streamed delta, returning "" when
// the field or provider support is absent.
func reasoningContent(delta openai.ChatCompletionStreamChoiceDelta) string {
	return delta.ReasoningContent
}

func (e *Engine) publishSnapshot(kbID, assistantID, assistantSeq int64, key, content string) {
	now := time.Now().UTC()
	e.deps.Registry.Publish(key, Event{Kind: EventMessage, Message: &metadata.ChatMessage{
		ID:              assistantID,
		KnowledgeBaseID: kbID,
		MessageID:       assistantSeq,
		Role:            metadata.RoleAssistant,
		Content:         content,
		Status:          metadata.ChatPending,
		UpdateTime:      now,
	}})
}

func (e *Engine) finishSuccess(ctx context.Context, kbID, assistantID, assistantSeq int64, key, content string) {
	if err := e.deps.Metadata.FinishAssistantMessage(ctx, assistantID, metadata.ChatFinished, content); err != nil {
		slog.Error("failed to finish assistant message", "kb_id", kbID, "error", err)
	}

	now := time.Now().UTC()
	e.deps.Registry.Publish(key, Event{Kind: EventDone, Message: &metadata.ChatMessage{
		ID:              assistantID,
		KnowledgeBaseID: kbID,
		MessageID:       assistantSeq,
		Role:            metadata.RoleAssistant,
		Content:         content,
		Status:          metadata.ChatFinished,
		UpdateTime:      now,
	}})
	e.deps.Registry.Close(key)

	if e.deps.ProfileYAML != nil && e.deps.ExtractProfile != nil {
		if _, enabled, err := e.deps.ProfileYAML(ctx); err == nil && enabled {
			go e.deps.ExtractProfile(ctx, kbID, content)
		}
	}
}

func (e *Engine) finishError(ctx context.Context, kbID, assistantID, assistantSeq int64, key string, cause error) {
	msg := cause.Error()
	if err := e.deps.Metadata.FinishAssistantMessage(ctx, assistantID, metadata.ChatError, msg); err != nil {
		slog.Error("failed to finish assistant message with error", "kb_id", kbID, "error", err)
	}

	now := time.Now().UTC()
	e.deps.Registry.Publish(key, Event{Kind: EventDone, Message: &metadata.ChatMessage{
		ID:              assistantID,
		KnowledgeBaseID: kbID,
		MessageID:       assistantSeq,
		Role:            metadata.RoleAssistant,
		Content:         msg,
		Status:          metadata.ChatError,
		UpdateTime:      now,
	}})
	e.deps.Registry.Close(key)
}

// dispatchToolCall routes one fully-assembled tool call to either a
// built-in handler or the MCP manager, by the "inner"/server prefix
// convention used to qualify every tool name.
func (e *Engine) dispatchToolCall(ctx context.Context, handlers map[string]tools.Handler, qualifiedName, arguments string) (string, bool) {
	server, name, ok := mcpmanager.SplitQualifiedName(qualifiedName)
	if !ok {
		return "", true
	}

	if server == mcpmanager.InnerServerName {
		handler, ok := handlers[name]
		if !ok {
			return fmt.Sprintf("unknown built-in tool %q", name), true
		}
		result, err := handler(ctx, arguments)
		if err != nil {
			return err.Error(), true
		}
		return result.Output, result.IsError
	}

	result, err := e.deps.MCP.CallTool(ctx, server, name, arguments)
	if err != nil {
		return err.Error(), true
	}
	var out strings.Builder
	for _, part := range result.Content {
		if part.Type == "text" {
			out.WriteString(part.Text)
		}
	}
	return out.String(), result.IsError
}

// qualifiedTools prefixes every built-in tool's name with the "inner"
// server marker and merges in every currently running MCP server's
// tools, returning both the combined advertised list and a name→handler
// map for dispatching built-in calls back out of their qualified form.
func (e *Engine) qualifiedTools(ctx context.Context) ([]tools.Tool, map[string]tools.Handler) {
	handlers := make(map[string]tools.Handler, len(e.deps.BuiltinTools))
	out := make([]tools.Tool, 0, len(e.deps.BuiltinTools))

	for _, t := range e.deps.BuiltinTools {
		if t.Function == nil {
			continue
		}
		name := t.Function.Name
		handlers[name] = t.Handler

		qualified := t
		fn := *t.Function
		fn.Name = mcpmanager.InnerServerName + mcpmanager.ToolNameSeparator + name
		qualified.Function = &fn
		out = append(out, qualified)
	}

	if e.deps.MCP != nil {
		out = append(out, e.deps.MCP.AllAdvertisedTools(ctx)...)
	}
	return out, handlers
}

func toOpenAITool(t tools.Tool) openai.Tool {
	if t.Function == nil {
		return openai.Tool{Type: openai.ToolTypeFunction}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict,
		},
	}
}
