// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/traylinx/aigateway/internal/upstream"
)

// postStreamTimeout bounds the persistence work after the stream ends; the
// client context may already be gone by then.
const postStreamTimeout = 10 * time.Second

// ExecuteStream runs the pre-flight stages and hands back a channel of SSE
// frames. Assistant persistence and archival happen after the terminal
// frame, or after a client disconnect with the truncated flag set. A nil
// channel means the request failed before streaming started; the error
// envelope is in pc.Response.
func (p *Pipeline) ExecuteStream(ctx context.Context, pc *Context) <-chan upstream.StreamChunk {
	preflight := []Stage{
		&validateStage{},
		&persistUserStage{pipeline: p},
		&knowledgeStage{pipeline: p},
		&webSearchStage{pipeline: p},
		&routeStage{pipeline: p},
	}
	for _, stage := range preflight {
		if pc.ErrorOccurred {
			break
		}
		if err := stage.Run(ctx, pc); err != nil {
			log.Errorf("pipeline stage failed | stage=%s reqID=%s err=%v", stage.Name(), pc.RequestID, err)
			pc.Fail(ErrTypePipeline, err.Error(), 500)
		}
	}
	if pc.ErrorOccurred {
		p.finishStream(pc)
		return nil
	}

	if pc.Flags["keyword_only_switch"] {
		return p.syntheticStream(pc)
	}

	pc.Outbound.Model = pc.Binding.Model
	chunks, err := p.Upstream.Stream(ctx, pc.Binding, pc.Model.Name, pc.Outbound)
	if err != nil {
		failUpstream(pc, err)
		p.finishStream(pc)
		return nil
	}

	out := make(chan upstream.StreamChunk)
	go p.relay(ctx, pc, chunks, out)
	return out
}

// relay forwards frames while accumulating the assistant text, then runs
// the post-stream persistence.
func (p *Pipeline) relay(ctx context.Context, pc *Context, in <-chan upstream.StreamChunk, out chan<- upstream.StreamChunk) {
	defer close(out)

	var content strings.Builder
	done := false

	for chunk := range in {
		if chunk.Err != nil {
			failUpstream(pc, chunk.Err)
			pc.Flags["truncated"] = true
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
			break
		}
		accumulateDelta(&content, chunk.Data)
		if isDoneFrame(chunk.Data) {
			done = true
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Client went away mid-stream
			pc.Flags["truncated"] = true
			goto finish
		}
	}
	if !done && !pc.ErrorOccurred {
		pc.Flags["truncated"] = true
	}

finish:
	pc.AssistantContent = content.String()
	pc.FinishReason = "stop"
	p.finishStream(pc)
}

// finishStream persists the assistant message and the archive record with a
// fresh context.
func (p *Pipeline) finishStream(pc *Context) {
	ctx, cancel := context.WithTimeout(context.Background(), postStreamTimeout)
	defer cancel()

	if !pc.ErrorOccurred && pc.AssistantContent != "" {
		if err := (&persistAssistantStage{pipeline: p}).Run(ctx, pc); err != nil {
			log.Warnf("post-stream assistant persist failed | reqID=%s err=%v", pc.RequestID, err)
		}
	}
	if err := (&archiveStage{pipeline: p}).Run(ctx, pc); err != nil {
		log.Warnf("post-stream archive failed | reqID=%s err=%v", pc.RequestID, err)
	}
	if pc.ErrorOccurred && pc.Response == nil {
		(&finalizeStage{}).buildErrorEnvelope(pc)
	}
}

// syntheticStream acknowledges a keyword-only switch as a minimal SSE
// exchange without touching the upstream.
func (p *Pipeline) syntheticStream(pc *Context) <-chan upstream.StreamChunk {
	out := make(chan upstream.StreamChunk, 2)

	frame := map[string]any{
		"id":     "chatcmpl-" + pc.RequestID,
		"object": "chat.completion.chunk",
		"model":  pc.Model.Name,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         map[string]any{"role": "assistant", "content": pc.AssistantContent},
				"finish_reason": "stop",
			},
		},
	}
	out <- upstream.StreamChunk{Data: append([]byte("data: "), mustJSON(frame)...)}
	out <- upstream.StreamChunk{Data: []byte("data: [DONE]")}
	close(out)

	p.finishStream(pc)
	return out
}

// accumulateDelta extracts the content delta from one SSE frame.
func accumulateDelta(b *strings.Builder, frame []byte) {
	payload, ok := framePayload(frame)
	if !ok {
		return
	}
	if delta := gjson.GetBytes(payload, "choices.0.delta.content"); delta.Exists() {
		b.WriteString(delta.String())
	}
}

func isDoneFrame(frame []byte) bool {
	payload, ok := framePayload(frame)
	return ok && strings.TrimSpace(string(payload)) == "[DONE]"
}

func framePayload(frame []byte) ([]byte, bool) {
	const prefix = "data: "
	if !strings.HasPrefix(string(frame), prefix) {
		return nil, false
	}
	return frame[len(prefix):], true
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("failed to encode stream frame: %v", err)
		return []byte("{}")
	}
	return data
}
