// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

var (
	encOnce sync.Once
	encoder tokenizer.Codec
)

// tokenCount estimates the archived token footprint. When the upstream
// reported usage, that number wins; otherwise the input and output are
// encoded locally with cl100k_base.
func tokenCount(pc *Context) int64 {
	if pc.Usage != nil {
		if total, ok := pc.Usage["total_tokens"].(int64); ok {
			return total
		}
	}
	return estimateTokens(pc.UserInput) + estimateTokens(pc.AssistantContent)
}

func estimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		var err error
		encoder, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("tokenizer unavailable, falling back to a length heuristic: %v", err)
		}
	})
	if encoder == nil {
		// Rough chars-per-token heuristic
		return int64(len(text) / 4)
	}
	ids, _, err := encoder.Encode(text)
	if err != nil {
		return int64(len(text) / 4)
	}
	return int64(len(ids))
}
