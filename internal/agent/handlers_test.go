package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func handlerManager(cfg Config) *Manager {
	return New(cfg, newFakeHealth(hostHealth(0.3, 24<<30)), &fakeDaemon{}, nil)
}

func TestReadFileHead_Text(t *testing.T) {
	m := handlerManager(testManagerConfig())
	path := writeTestFile(t, "readme.md", "# Project\nSome description.")

	head, err := m.readFileHead(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if head.Binary {
		t.Error("plain text flagged as binary")
	}
	if head.Content != "# Project\nSome description." {
		t.Errorf("content = %q", head.Content)
	}
	if head.Ext != ".md" {
		t.Errorf("ext = %q, want .md", head.Ext)
	}
	if head.Size != int64(len("# Project\nSome description.")) {
		t.Errorf("size = %d", head.Size)
	}
}

func TestReadFileHead_Binary(t *testing.T) {
	m := handlerManager(testManagerConfig())
	path := filepath.Join(t.TempDir(), "image.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}

	head, err := m.readFileHead(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !head.Binary {
		t.Error("null bytes should flag binary")
	}
	if head.Content != "" {
		t.Error("binary content should not be captured")
	}
}

func TestReadFileHead_CapsLargeFiles(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxAnalysisReadBytes = 16
	m := handlerManager(cfg)

	path := writeTestFile(t, "big.log", strings.Repeat("x", 100))
	head, err := m.readFileHead(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(head.Content) != 16 {
		t.Errorf("content length = %d, want the 16 byte cap", len(head.Content))
	}
	if head.Size != 100 {
		t.Errorf("size = %d, metadata should report the full file", head.Size)
	}
}

func TestReadFileHead_Errors(t *testing.T) {
	m := handlerManager(testManagerConfig())

	if _, err := m.readFileHead(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Error("missing file should error")
	}
	if _, err := m.readFileHead(t.TempDir()); err == nil {
		t.Error("directory should error")
	}
}

func TestBuildAnalysisPrompt_Types(t *testing.T) {
	head := fileHead{Name: "invoice.pdf", Ext: ".pdf", Size: 2048, Content: "Invoice #42"}

	cases := []struct {
		typ        AnalysisType
		wantSystem string
		wantWords  []string
	}{
		{AnalysisClassification, systemClassify, []string{"Classify", `"category"`, `"confidence"`}},
		{AnalysisSummary, systemSummary, []string{"Summarize", `"summary"`}},
		{AnalysisExtraction, systemExtract, []string{"Extract", `"entities"`}},
	}
	for _, tc := range cases {
		spec := Spec{Path: "/data/invoice.pdf", AnalysisType: tc.typ}
		system, prompt, err := buildAnalysisPrompt(spec, head)
		if err != nil {
			t.Fatalf("%s: %v", tc.typ, err)
		}
		if system != tc.wantSystem {
			t.Errorf("%s system prompt mismatch", tc.typ)
		}
		if !strings.Contains(prompt, "/data/invoice.pdf") || !strings.Contains(prompt, "Invoice #42") {
			t.Errorf("%s prompt missing path or content:\n%s", tc.typ, prompt)
		}
		for _, w := range tc.wantWords {
			if !strings.Contains(prompt, w) {
				t.Errorf("%s prompt missing %q", tc.typ, w)
			}
		}
	}
}

func TestBuildAnalysisPrompt_BinaryOmitsContent(t *testing.T) {
	head := fileHead{Name: "photo.jpg", Ext: ".jpg", Size: 1 << 20, Binary: true}
	spec := Spec{Path: "/pics/photo.jpg", AnalysisType: AnalysisClassification}

	_, prompt, err := buildAnalysisPrompt(spec, head)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "binary, omitted") {
		t.Error("binary files should advertise omitted content")
	}
}

func TestBuildAnalysisPrompt_CustomTemplate(t *testing.T) {
	head := fileHead{Content: "hello world"}
	spec := Spec{
		Path:         "/tmp/a.txt",
		AnalysisType: AnalysisCustom,
		Template:     "Describe {path} containing: {content}",
	}

	system, prompt, err := buildAnalysisPrompt(spec, head)
	if err != nil {
		t.Fatal(err)
	}
	if system != "" {
		t.Error("custom templates use no canned system prompt")
	}
	if prompt != "Describe /tmp/a.txt containing: hello world" {
		t.Errorf("prompt = %q", prompt)
	}

	spec.Template = ""
	if _, _, err := buildAnalysisPrompt(spec, head); err == nil {
		t.Error("custom without template should error")
	}

	spec.AnalysisType = AnalysisType("vibes")
	if _, _, err := buildAnalysisPrompt(spec, head); err == nil {
		t.Error("unknown analysis type should error")
	}
}

func TestParseAnalysis_JSON(t *testing.T) {
	parsed, confidence := parseAnalysis(`{"category":"finance","confidence":0.82}`, "json")
	if parsed["category"] != "finance" {
		t.Errorf("category = %v", parsed["category"])
	}
	if confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", confidence)
	}
}

func TestParseAnalysis_FencedJSON(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"category\":\"media\",\"confidence\":0.7}\n```\nDone."
	parsed, confidence := parseAnalysis(raw, "json")
	if parsed["category"] != "media" {
		t.Errorf("fenced JSON not recovered: %v", parsed)
	}
	if confidence != 0.7 {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestParseAnalysis_FallbackToText(t *testing.T) {
	raw := "I could not produce JSON for this one."
	parsed, confidence := parseAnalysis(raw, "json")
	if parsed["text"] != raw {
		t.Errorf("fallback = %v, want raw text wrapper", parsed)
	}
	if confidence != 0 {
		t.Errorf("confidence = %v, want 0", confidence)
	}
}

func TestParseAnalysis_TextFormat(t *testing.T) {
	parsed, _ := parseAnalysis("plain answer", "text")
	if parsed["text"] != "plain answer" {
		t.Errorf("text format = %v", parsed)
	}
}

func TestParseAnalysis_ClampsConfidence(t *testing.T) {
	if _, c := parseAnalysis(`{"confidence":1.8}`, "json"); c != 1 {
		t.Errorf("confidence = %v, want clamp to 1", c)
	}
	if _, c := parseAnalysis(`{"confidence":-0.3}`, "json"); c != 0 {
		t.Errorf("confidence = %v, want clamp to 0", c)
	}
}

func TestStripJSONFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		`prefix {"a":1} suffix`:   `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
		"no braces at all":        "no braces at all",
	}
	for in, want := range cases {
		if got := stripJSONFences(in); got != want {
			t.Errorf("stripJSONFences(%q) = %q, want %q", in, got, want)
		}
	}
}
