package emotion

import (
	"testing"

	model "github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
)

func TestAnalyzeSadUserGetsWarmth(t *testing.T) {
	decision := Analyze("오늘 너무 슬퍼요", "제가 곁에 있을게요")
	if decision.Emotion != model.Love {
		t.Fatalf("expected love emotion, got %s", decision.Emotion)
	}
	if decision.Scale < 1 || decision.Scale > 5 {
		t.Fatalf("emotion scale out of range: %f", decision.Scale)
	}
}

func TestAnalyzeExcitedUser(t *testing.T) {
	decision := Analyze("대박!!! 우리 성공했어", "정말 설레는 소식이에요!")
	if decision.Emotion != model.Excitement {
		t.Fatalf("expected excitement, got %s", decision.Emotion)
	}
	if decision.Scale < 1.5 {
		t.Fatalf("expected boosted scale for excitement, got %f", decision.Scale)
	}
}

func TestAnalyzeNeutralWhenNothingMatches(t *testing.T) {
	decision := Analyze("네", "알겠습니다")
	if decision.Emotion != model.Neutral || decision.Score != 0 {
		t.Fatalf("expected neutral, got %+v", decision)
	}
}

func TestNormalizeLabels(t *testing.T) {
	cases := []struct {
		label string
		want  model.Category
		ok    bool
	}{
		{label: "JOY", want: model.Joy, ok: true},
		{label: " 기쁨 ", want: model.Joy, ok: true},
		{label: "nostalgic", want: model.Nostalgia, ok: true},
		{label: "너무 무서웠어요", want: model.Fear, ok: true},
		{label: "", ok: false},
		{label: "xyz", ok: false},
	}

	for _, tc := range cases {
		got, ok := Normalize(tc.label)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Normalize(%q) = %q,%v want %q,%v", tc.label, got, ok, tc.want, tc.ok)
		}
	}
}
