package render

import (
	"strings"
	"testing"
)

func TestBuildHTML(t *testing.T) {
	html, err := buildHTML("股票分析报告", "【技术指标】\nMA5: 10.50")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<h1>股票分析报告</h1>") {
		t.Error("expected title heading in output")
	}
	if !strings.Contains(html, "【技术指标】\nMA5: 10.50") {
		t.Error("expected body text in output")
	}
}

func TestBuildHTML_NoTitle(t *testing.T) {
	html, err := buildHTML("", "just text")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "<h1>") {
		t.Error("expected no heading when title is empty")
	}
}

func TestBuildHTML_EscapesMarkup(t *testing.T) {
	html, err := buildHTML("", `<script>alert("x")</script>`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("expected markup in body to be escaped")
	}
}
