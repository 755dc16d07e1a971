// Package trace loads recorded tool-call traces (JSONL) for replay-mode
// evaluation, keyed by exact prompt match, with a Levenshtein-based
// diagnostic when a lookup misses.
package trace

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Response is a recorded completion: the text the tool-call handler should
// treat as the model's output, plus metadata carried through to scoring.
type Response struct {
	Text  string         `json:"text"`
	Model string         `json:"model"`
	Meta  map[string]any `json:"meta"`
}

// Client answers exact-prompt lookups against a loaded trace file.
type Client struct {
	traces      map[string]Response
	fingerprint string
}

type episodeState struct {
	input        *string
	output       *string
	model        *string
	meta         map[string]any
	inputIsModel bool
	toolCalls    []toolCallRecord
}

type toolCallRecord struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Result   any            `json:"result,omitempty"`
	Error    *string        `json:"error,omitempty"`
	Index    int            `json:"index"`
	TsMs     int64          `json:"ts_ms"`
}

type parsedRecord struct {
	prompt    *string
	response  *string
	model     string
	meta      map[string]any
	requestID *string
}

func newParsedRecord() parsedRecord {
	return parsedRecord{model: "trace", meta: map[string]any{}}
}

// disposition tells the line loop what to do after a typed-event handler runs.
type disposition int

const (
	dispContinue disposition = iota
	dispMaybeInsert
	dispParseLegacy
)

// FromFile loads a JSONL trace file, accepting both the typed v2 event
// stream (episode_start/tool_call/step/episode_end, assay.trace) and legacy
// flat per-line records (prompt/response/tool/args/result).
func FromFile(path string) (*Client, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file %q: %w", path, err)
	}
	defer f.Close()

	traces := map[string]Response{}
	requestIDs := map[string]bool{}
	episodes := map[string]*episodeState{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var v map[string]any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, fmt.Errorf("line %d: invalid trace format, expected JSONL object: %w", lineNo, err)
		}

		parsed := newParsedRecord()
		switch handleTypedEvent(v, episodes, &parsed) {
		case dispContinue:
			continue
		case dispMaybeInsert:
		case dispParseLegacy:
			parseLegacyRecord(v, &parsed)
		}

		if err := insertRecord(traces, requestIDs, parsed, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace file %q: %w", path, err)
	}

	flushActiveEpisodes(traces, episodes)

	return &Client{traces: traces, fingerprint: computeFingerprint(traces)}, nil
}

func handleTypedEvent(v map[string]any, episodes map[string]*episodeState, parsed *parsedRecord) disposition {
	t, _ := v["type"].(string)
	if t == "" {
		return dispParseLegacy
	}

	switch t {
	case "assay.trace":
		parsed.prompt = strPtr(v, "prompt")
		parsed.response = firstStrPtr(v, "response", "text")
		if m, ok := v["model"].(string); ok {
			parsed.model = m
		}
		if m, ok := v["meta"].(map[string]any); ok {
			parsed.meta = m
		}
		parsed.requestID = strPtr(v, "request_id")
		return dispMaybeInsert

	case "episode_start":
		episodeID, _ := v["episode_id"].(string)
		if episodeID == "" {
			return dispContinue
		}
		input, _ := v["input"].(map[string]any)
		inputPrompt, hasInput := input["prompt"].(string)
		state := &episodeState{meta: asMap(v["meta"]), inputIsModel: hasInput}
		if hasInput {
			state.input = &inputPrompt
		}
		episodes[episodeID] = state
		return dispContinue

	case "tool_call":
		episodeID, _ := v["episode_id"].(string)
		state, ok := episodes[episodeID]
		if !ok {
			return dispContinue
		}
		stepID, _ := v["step_id"].(string)
		callIndex := int(asNumber(v["call_index"]))
		var errPtr *string
		if e, ok := v["error"].(string); ok {
			errPtr = &e
		}
		state.toolCalls = append(state.toolCalls, toolCallRecord{
			ID:       fmt.Sprintf("%s-%d", stepID, callIndex),
			ToolName: asString(v["tool_name"]),
			Args:     asMap(v["args"]),
			Result:   v["result"],
			Error:    errPtr,
			Index:    len(state.toolCalls),
			TsMs:     int64(asNumber(v["timestamp"])),
		})
		return dispContinue

	case "episode_end":
		episodeID, _ := v["episode_id"].(string)
		state, ok := episodes[episodeID]
		if !ok {
			return dispContinue
		}
		delete(episodes, episodeID)
		if out, ok := v["final_output"].(string); ok {
			state.output = &out
		}
		if state.input != nil {
			parsed.prompt = state.input
			parsed.response = state.output
			mergeToolCallsIntoMeta(state.meta, state.toolCalls)
			parsed.meta = state.meta
			if state.model != nil {
				parsed.model = *state.model
			}
		}
		return dispMaybeInsert

	case "step":
		episodeID, _ := v["episode_id"].(string)
		state, ok := episodes[episodeID]
		if !ok {
			return dispContinue
		}
		handleStepEvent(v, state)
		return dispContinue

	default:
		return dispContinue
	}
}

func handleStepEvent(v map[string]any, state *episodeState) {
	kind, _ := v["kind"].(string)
	isModel := kind == "model"
	canExtractPrompt := state.input == nil
	if isModel {
		canExtractPrompt = !state.inputIsModel
	}

	meta := asMap(v["meta"])
	content, hasContent := v["content"].(string)

	if canExtractPrompt {
		var found *string
		if hasContent {
			var cj map[string]any
			if json.Unmarshal([]byte(content), &cj) == nil {
				if p, ok := cj["prompt"].(string); ok {
					found = &p
				}
			}
		}
		if found == nil {
			if p, ok := meta["gen_ai.prompt"].(string); ok {
				found = &p
			}
		}
		if found != nil {
			state.input = found
			if isModel {
				state.inputIsModel = true
			}
		}
	}

	if hasContent {
		var extracted *string
		var cj map[string]any
		if json.Unmarshal([]byte(content), &cj) == nil {
			if r, ok := cj["completion"].(string); ok {
				extracted = &r
				if m, ok := cj["model"].(string); ok {
					state.model = &m
				}
			}
		}
		if extracted != nil {
			state.output = extracted
		} else {
			state.output = &content
		}
	}

	if r, ok := meta["gen_ai.completion"].(string); ok {
		state.output = &r
	}
	if m, ok := meta["gen_ai.request.model"].(string); ok {
		state.model = &m
	} else if m, ok := meta["gen_ai.response.model"].(string); ok {
		state.model = &m
	}
}

func mergeToolCallsIntoMeta(meta map[string]any, calls []toolCallRecord) {
	if len(calls) == 0 {
		return
	}
	meta["tool_calls"] = calls
}

func parseLegacyRecord(v map[string]any, parsed *parsedRecord) {
	parsed.prompt = strPtr(v, "prompt")
	parsed.response = firstStrPtr(v, "response", "text")
	if m, ok := v["model"].(string); ok {
		parsed.model = m
	}
	parsed.requestID = strPtr(v, "request_id")

	toolName, hasTool := v["tool"].(string)
	_, hasToolCalls := v["tool_calls"].([]any)
	hasToolSignal := hasTool || hasToolCalls

	if hasTool {
		args := asMap(v["args"])
		parsed.meta["tool_calls"] = []toolCallRecord{{
			ID:       "legacy-v1",
			ToolName: toolName,
			Args:     args,
		}}
	} else if calls, ok := v["tool_calls"].([]any); ok {
		parsed.meta["tool_calls"] = calls
	}

	if hasToolSignal && parsed.prompt == nil {
		ignore := "ignore"
		parsed.prompt = &ignore
	}
	if hasToolSignal && parsed.response == nil {
		var resp string
		if r, ok := v["result"].(string); ok {
			resp = r
		} else if v["result"] != nil {
			b, _ := json.Marshal(v["result"])
			resp = string(b)
		}
		parsed.response = &resp
	}
}

func insertRecord(traces map[string]Response, requestIDs map[string]bool, p parsedRecord, lineNo int) error {
	if p.prompt == nil || p.response == nil {
		return nil
	}
	if p.requestID != nil {
		if requestIDs[*p.requestID] {
			return fmt.Errorf("line %d: duplicate request_id %s", lineNo, *p.requestID)
		}
		requestIDs[*p.requestID] = true
	}
	if _, exists := traces[*p.prompt]; exists {
		return fmt.Errorf("duplicate prompt found in trace file: %s", *p.prompt)
	}
	traces[*p.prompt] = Response{Text: *p.response, Model: p.model, Meta: p.meta}
	return nil
}

func flushActiveEpisodes(traces map[string]Response, episodes map[string]*episodeState) {
	for _, state := range episodes {
		if state.input == nil || state.output == nil {
			continue
		}
		if _, exists := traces[*state.input]; exists {
			continue
		}
		mergeToolCallsIntoMeta(state.meta, state.toolCalls)
		model := "trace"
		if state.model != nil {
			model = *state.model
		}
		traces[*state.input] = Response{Text: *state.output, Model: model, Meta: state.meta}
	}
}

func computeFingerprint(traces map[string]Response) string {
	keys := make([]string, 0, len(traces))
	for k := range traces {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		v := traces[k]
		h.Write([]byte(v.Text))
		h.Write([]byte(v.Model))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the content fingerprint used to detect stale caches
// across trace file changes.
func (c *Client) Fingerprint() string { return c.fingerprint }

// TraceMissError is returned by Lookup when a prompt has no exact match.
type TraceMissError struct {
	Prompt       string
	ClosestMatch *ClosestMatch
}

func (e *TraceMissError) Error() string {
	if e.ClosestMatch != nil {
		return fmt.Sprintf("trace miss: prompt not found (closest match %.2f similarity)", e.ClosestMatch.Similarity)
	}
	return "trace miss: prompt not found in loaded traces"
}

// diffHighlight renders the differing span of needle vs match.Prompt, e.g.
// "Difference: \"capital\" vs \"capitol\" (\"al\" vs \"ol\")".
func diffHighlight(needle string, match ClosestMatch) string {
	nr := []rune(needle)
	mr := []rune(match.Prompt)
	needleSpan := sliceRange(nr, match.NeedleDiff)
	matchSpan := sliceRange(mr, match.MatchDiff)
	return fmt.Sprintf("Difference: %q vs %q (%q vs %q)", needle, match.Prompt, needleSpan, matchSpan)
}

func sliceRange(runes []rune, r DiffRange) string {
	if r.Start < 0 || r.End > len(runes) || r.Start > r.End {
		return ""
	}
	return string(runes[r.Start:r.End])
}

// FixSteps produces the operator-facing hints the tool-call handler should
// surface alongside a trace miss.
func (e *TraceMissError) FixSteps() []string {
	if e.ClosestMatch == nil {
		return []string{"No similar prompts found in trace file", "Regenerate the trace file: assay trace ingest ..."}
	}
	return []string{
		fmt.Sprintf("Did you mean %q? (similarity: %.2f)", e.ClosestMatch.Prompt, e.ClosestMatch.Similarity),
		diffHighlight(e.Prompt, *e.ClosestMatch),
		"Update your input prompt to match the trace exactly",
		"Regenerate the trace file: assay trace ingest ...",
	}
}

// Lookup returns the recorded response for prompt, or a *TraceMissError
// carrying the closest known prompt by Levenshtein similarity.
func (c *Client) Lookup(prompt string) (Response, error) {
	if r, ok := c.traces[prompt]; ok {
		return r, nil
	}
	keys := make([]string, 0, len(c.traces))
	for k := range c.traces {
		keys = append(keys, k)
	}
	return Response{}, &TraceMissError{Prompt: prompt, ClosestMatch: FindClosestMatch(prompt, keys, 0.5)}
}

func strPtr(v map[string]any, key string) *string {
	if s, ok := v[key].(string); ok {
		return &s
	}
	return nil
}

func firstStrPtr(v map[string]any, keys ...string) *string {
	for _, k := range keys {
		if p := strPtr(v, k); p != nil {
			return p
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
