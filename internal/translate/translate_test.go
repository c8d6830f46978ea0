package translate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

func chatReq(messages ...proxy.Message) *proxy.ChatRequest {
	return &proxy.ChatRequest{Model: "gemini-2.5-pro", Messages: messages}
}

func textMsg(role, text string) proxy.Message {
	content, _ := json.Marshal(text)
	return proxy.Message{Role: role, Content: content}
}

func TestFromOpenAI_FlattensSystemIntoFirstUserTurn(t *testing.T) {
	t.Parallel()
	req := chatReq(
		textMsg("system", "be brief"),
		textMsg("user", "hello"),
		textMsg("assistant", "hi"),
		textMsg("user", "again"),
	)

	out, err := FromOpenAI(req, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.SystemInstruction != nil {
		t.Error("system must be flattened, not sent as systemInstruction")
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(out.Contents))
	}
	first := out.Contents[0]
	if first.Role != proxy.RoleUser || len(first.Parts) != 2 {
		t.Fatalf("first content = %+v", first)
	}
	if first.Parts[0].Text != "be brief" || first.Parts[1].Text != "hello" {
		t.Errorf("flattened parts = %+v", first.Parts)
	}
	if out.Contents[1].Role != proxy.RoleModel {
		t.Errorf("assistant role = %q, want model", out.Contents[1].Role)
	}
}

func TestFromOpenAI_SystemOnlyBecomesUserTurn(t *testing.T) {
	t.Parallel()
	out, err := FromOpenAI(chatReq(textMsg("system", "rules")), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Contents) != 1 || out.Contents[0].Role != proxy.RoleUser {
		t.Fatalf("contents = %+v", out.Contents)
	}
	if out.Contents[0].Parts[0].Text != "rules" {
		t.Errorf("parts = %+v", out.Contents[0].Parts)
	}
}

func TestFromOpenAI_EmptyMessages(t *testing.T) {
	t.Parallel()
	_, err := FromOpenAI(chatReq(), Options{})
	if !errors.Is(err, proxy.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestFromOpenAI_MultimodalContent(t *testing.T) {
	t.Parallel()
	content := `[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/webp;base64,UklGRg=="}}
	]`
	req := chatReq(proxy.Message{Role: "user", Content: json.RawMessage(content)})

	out, err := FromOpenAI(req, Options{})
	if err != nil {
		t.Fatal(err)
	}
	parts := out.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].Text != "what is this" {
		t.Errorf("text part = %q", parts[0].Text)
	}
	blob := parts[1].InlineData
	if blob == nil || blob.MimeType != "image/webp" || blob.Data != "UklGRg==" {
		t.Errorf("inline data = %+v", blob)
	}
}

func TestFromOpenAI_RejectsBadImages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
	}{
		{"remote url", "https://example.com/cat.png"},
		{"disallowed mime", "data:image/gif;base64,R0lGOD=="},
		{"no base64 marker", "data:image/png,plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			content := `[{"type":"image_url","image_url":{"url":"` + tt.url + `"}}]`
			req := chatReq(proxy.Message{Role: "user", Content: json.RawMessage(content)})
			if _, err := FromOpenAI(req, Options{}); !errors.Is(err, proxy.ErrBadRequest) {
				t.Errorf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestFromOpenAI_GenerationConfig(t *testing.T) {
	t.Parallel()
	temp, topP, maxTok := 0.7, 0.9, 256
	req := chatReq(textMsg("user", "hi"))
	req.Temperature = &temp
	req.TopP = &topP
	req.MaxTokens = &maxTok
	req.N = 2
	req.Stop = json.RawMessage(`"END"`)

	out, err := FromOpenAI(req, Options{})
	if err != nil {
		t.Fatal(err)
	}
	cfg := out.GenerationConfig
	if cfg == nil {
		t.Fatal("expected generation config")
	}
	if *cfg.Temperature != 0.7 || *cfg.TopP != 0.9 || *cfg.MaxOutputTokens != 256 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.CandidateCount != 2 {
		t.Errorf("CandidateCount = %d, want 2", cfg.CandidateCount)
	}
	if string(cfg.StopSequences) != `["END"]` {
		t.Errorf("StopSequences = %s, want wrapped array", cfg.StopSequences)
	}

	// No sampling params at all: config omitted entirely.
	plain, err := FromOpenAI(chatReq(textMsg("user", "hi")), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if plain.GenerationConfig != nil {
		t.Errorf("config = %+v, want nil", plain.GenerationConfig)
	}
}

func TestFromOpenAI_Tools(t *testing.T) {
	t.Parallel()
	req := chatReq(textMsg("user", "hi"))
	req.Tools = json.RawMessage(`[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object"}}}]`)

	out, err := FromOpenAI(req, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 1 {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if !strings.Contains(string(out.Tools[0].FunctionDeclarations), `"get_weather"`) {
		t.Errorf("declarations = %s", out.Tools[0].FunctionDeclarations)
	}
}

func TestFromOpenAI_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()
	assistant := proxy.Message{
		Role:      "assistant",
		ToolCalls: json.RawMessage(`[{"id":"call_get_weather","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]`),
	}
	toolResult := proxy.Message{
		Role:       "tool",
		ToolCallID: "get_weather",
		Content:    json.RawMessage(`{"temp": -3}`),
	}
	req := chatReq(textMsg("user", "weather?"), assistant, toolResult)

	out, err := FromOpenAI(req, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(out.Contents))
	}

	model := out.Contents[1]
	if model.Role != proxy.RoleModel || len(model.Parts) != 1 {
		t.Fatalf("model content = %+v", model)
	}
	fc := string(model.Parts[0].FunctionCall)
	if !strings.Contains(fc, `"get_weather"`) || !strings.Contains(fc, `"Oslo"`) {
		t.Errorf("functionCall = %s", fc)
	}

	result := out.Contents[2]
	if result.Role != proxy.RoleUser || result.Parts[0].FunctionResponse == nil {
		t.Fatalf("tool result content = %+v", result)
	}
	fr := string(result.Parts[0].FunctionResponse)
	if !strings.Contains(fr, `"temp"`) {
		t.Errorf("functionResponse = %s", fr)
	}
}

func TestFromOpenAI_StringToolResultWrapped(t *testing.T) {
	t.Parallel()
	toolResult := proxy.Message{
		Role:       "tool",
		ToolCallID: "lookup",
		Content:    json.RawMessage(`"not found"`),
	}
	out, err := FromOpenAI(chatReq(textMsg("user", "q"), toolResult), Options{})
	if err != nil {
		t.Fatal(err)
	}
	fr := string(out.Contents[1].Parts[0].FunctionResponse)
	if !strings.Contains(fr, `"result"`) || !strings.Contains(fr, "not found") {
		t.Errorf("functionResponse = %s", fr)
	}
}

func TestFromOpenAI_HistoryPrepended(t *testing.T) {
	t.Parallel()
	history := []proxy.Turn{
		{Role: proxy.RoleUser, Parts: []proxy.Part{proxy.TextPart("earlier question")}},
		{Role: proxy.RoleModel, Parts: []proxy.Part{proxy.TextPart("earlier answer")}},
	}
	out, err := FromOpenAI(chatReq(textMsg("user", "follow-up")), Options{History: history})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(out.Contents))
	}
	if out.Contents[0].Parts[0].Text != "earlier question" {
		t.Errorf("history not first: %+v", out.Contents[0])
	}
	if out.Contents[2].Parts[0].Text != "follow-up" {
		t.Errorf("request turn = %+v", out.Contents[2])
	}
}

func TestFromOpenAI_SafetyAndCache(t *testing.T) {
	t.Parallel()
	out, err := FromOpenAI(chatReq(textMsg("user", "hi")), Options{
		DisableSafety: true,
		CachedContent: "cachedContents/abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.SafetySettings) != 5 {
		t.Errorf("safety settings = %d, want 5", len(out.SafetySettings))
	}
	for _, s := range out.SafetySettings {
		if s.Threshold != "BLOCK_NONE" {
			t.Errorf("threshold = %q", s.Threshold)
		}
	}
	if out.CachedContent != "cachedContents/abc" {
		t.Errorf("CachedContent = %q", out.CachedContent)
	}
}

func TestParseNative(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, false},
		{"valid image", `{"contents":[{"role":"user","parts":[{"inlineData":{"mimeType":"image/png","data":"AA=="}}]}]}`, false},
		{"empty contents", `{"contents":[]}`, true},
		{"bad mime", `{"contents":[{"role":"user","parts":[{"inlineData":{"mimeType":"application/pdf","data":"AA=="}}]}]}`, true},
		{"not json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseNative([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, proxy.ErrBadRequest) {
					t.Errorf("err = %v, want ErrBadRequest", err)
				}
			} else if err != nil {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestToOpenAI_Basic(t *testing.T) {
	t.Parallel()
	native := `{
		"candidates": [{"content":{"role":"model","parts":[{"text":"Hello "},{"text":"there"}]},"finishReason":"STOP"}],
		"usageMetadata": {"promptTokenCount":12,"candidatesTokenCount":3,"totalTokenCount":15,"cachedContentTokenCount":8}
	}`

	resp, err := ToOpenAI([]byte(native), "chatcmpl-1", "gemini-2.5-pro", 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "chatcmpl-1" || resp.Object != "chat.completion" || resp.Created != 1700000000 {
		t.Errorf("envelope = %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "stop" {
		t.Errorf("finish = %q", choice.FinishReason)
	}
	var content string
	if err := json.Unmarshal(choice.Message.Content, &content); err != nil || content != "Hello there" {
		t.Errorf("content = %s", choice.Message.Content)
	}
	u := resp.Usage
	if u == nil || u.PromptTokens != 12 || u.CompletionTokens != 3 || u.TotalTokens != 15 {
		t.Fatalf("usage = %+v", u)
	}
	if u.PromptTokensDetails == nil || u.PromptTokensDetails.CachedTokens != 8 {
		t.Errorf("cached tokens = %+v", u.PromptTokensDetails)
	}
}

func TestToOpenAI_FinishReasons(t *testing.T) {
	t.Parallel()
	tests := []struct {
		native string
		want   string
	}{
		{"STOP", "stop"},
		{"MAX_TOKENS", "length"},
		{"SAFETY", "content_filter"},
		{"RECITATION", "content_filter"},
		{"OTHER", "stop"},
		{"", "stop"},
	}
	for _, tt := range tests {
		native := `{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"` + tt.native + `"}]}`
		resp, err := ToOpenAI([]byte(native), "id", "m", 0)
		if err != nil {
			t.Fatal(err)
		}
		if got := resp.Choices[0].FinishReason; got != tt.want {
			t.Errorf("finishReason(%q) = %q, want %q", tt.native, got, tt.want)
		}
	}
}

func TestToOpenAI_NoCandidates(t *testing.T) {
	t.Parallel()
	resp, err := ToOpenAI([]byte(`{"promptFeedback":{"blockReason":"OTHER"}}`), "id", "m", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	msg := resp.Choices[0].Message
	if msg.Role != "assistant" {
		t.Errorf("role = %q", msg.Role)
	}
	var content string
	if err := json.Unmarshal(msg.Content, &content); err != nil || content != "" {
		t.Errorf("content = %s, want empty string", msg.Content)
	}
}

func TestToOpenAI_FunctionCall(t *testing.T) {
	t.Parallel()
	native := `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]},"finishReason":"STOP"}]}`

	resp, err := ToOpenAI([]byte(native), "id", "m", 0)
	if err != nil {
		t.Fatal(err)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish = %q, want tool_calls", choice.FinishReason)
	}
	var calls []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(choice.Message.ToolCalls, &calls); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Function.Name != "get_weather" {
		t.Fatalf("calls = %+v", calls)
	}
	if !strings.Contains(calls[0].Function.Arguments, "Oslo") {
		t.Errorf("arguments = %q", calls[0].Function.Arguments)
	}
	if calls[0].ID == "" || calls[0].Type != "function" {
		t.Errorf("call envelope = %+v", calls[0])
	}
}

func TestTurnsContentsRoundTrip(t *testing.T) {
	t.Parallel()
	turns := []proxy.Turn{
		{Role: proxy.RoleUser, Parts: []proxy.Part{
			proxy.TextPart("look at this"),
			proxy.BlobPart("image/heic", "aGVpYw=="),
		}},
		{Role: proxy.RoleModel, Parts: []proxy.Part{proxy.TextPart("nice photo")}},
	}

	contents := ContentsFromTurns(turns)
	if contents[0].Parts[1].InlineData.MimeType != "image/heic" {
		t.Fatalf("mime lost in ContentsFromTurns: %+v", contents[0].Parts[1])
	}

	back := TurnsFromContents(contents)
	if len(back) != 2 {
		t.Fatalf("turns = %+v", back)
	}
	blob := back[0].Parts[1].InlineData
	if blob == nil || blob.MimeType != "image/heic" || blob.Data != "aGVpYw==" {
		t.Errorf("blob after round trip = %+v", blob)
	}
}

func TestTurnsFromContents_SkipsFunctionParts(t *testing.T) {
	t.Parallel()
	contents := []Content{
		{Role: proxy.RoleModel, Parts: []NativePart{
			{Text: "calling tool"},
			{FunctionCall: json.RawMessage(`{"name":"x"}`)},
		}},
		{Role: proxy.RoleUser, Parts: []NativePart{
			{FunctionResponse: json.RawMessage(`{"name":"x","response":{}}`)},
		}},
	}
	turns := TurnsFromContents(contents)
	if len(turns) != 1 {
		t.Fatalf("turns = %+v", turns)
	}
	if len(turns[0].Parts) != 1 || turns[0].Parts[0].Text != "calling tool" {
		t.Errorf("parts = %+v", turns[0].Parts)
	}
}

func TestResponseTurn(t *testing.T) {
	t.Parallel()
	native := `{"candidates":[{"content":{"parts":[{"text":"an answer"}]}}]}`
	turn, ok := ResponseTurn([]byte(native))
	if !ok || turn.Role != proxy.RoleModel || turn.Parts[0].Text != "an answer" {
		t.Errorf("turn = %+v ok=%v", turn, ok)
	}

	if _, ok := ResponseTurn([]byte(`{"candidates":[]}`)); ok {
		t.Error("empty response must not produce a turn")
	}
}

func TestPrefixHashStable(t *testing.T) {
	t.Parallel()
	contents := ContentsFromTurns([]proxy.Turn{
		{Role: proxy.RoleUser, Parts: []proxy.Part{proxy.TextPart("same prompt")}},
	})
	if PrefixHash(contents) != PrefixHash(contents) {
		t.Error("hash must be deterministic")
	}
	other := ContentsFromTurns([]proxy.Turn{
		{Role: proxy.RoleUser, Parts: []proxy.Part{proxy.TextPart("different prompt")}},
	})
	if PrefixHash(contents) == PrefixHash(other) {
		t.Error("different contents must hash differently")
	}
}

func TestCachedContentBody(t *testing.T) {
	t.Parallel()
	contents := []Content{{Role: proxy.RoleUser, Parts: []NativePart{{Text: "prefix"}}}}
	body, err := CachedContentBody("gemini-2.5-pro", contents, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Model string `json:"model"`
		TTL   string `json:"ttl"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Model != "models/gemini-2.5-pro" {
		t.Errorf("model = %q", decoded.Model)
	}
	if decoded.TTL != "3600s" {
		t.Errorf("ttl = %q", decoded.TTL)
	}
}
