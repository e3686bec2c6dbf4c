package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMarkersExtractsMetadata(t *testing.T) {
	raw := "정말 따뜻한 저녁이었네요. [EMOTION: 행복]\n[context: 가족과 함께한 저녁 식사]\n\n\n\n그 뒤엔 어떻게 됐나요? [READY_FOR_STORY]"

	m := ParseMarkers(raw)
	assert.True(t, m.Ready)
	assert.Equal(t, []string{"가족과 함께한 저녁 식사"}, m.Contexts)
	assert.Equal(t, []string{"행복"}, m.Emotions)
	assert.Equal(t, "정말 따뜻한 저녁이었네요.\n\n그 뒤엔 어떻게 됐나요?", m.Reply)
}

func TestParseMarkersWithoutTags(t *testing.T) {
	m := ParseMarkers("  그냥 평범한 답장이에요.  ")
	assert.False(t, m.Ready)
	assert.Empty(t, m.Contexts)
	assert.Empty(t, m.Emotions)
	assert.Equal(t, "그냥 평범한 답장이에요.", m.Reply)
}

func TestParseMarkersIgnoresEmptyPayloads(t *testing.T) {
	m := ParseMarkers("좋아요 [CONTEXT:   ] [EMOTION:]")
	assert.Empty(t, m.Contexts)
	assert.Empty(t, m.Emotions)
	assert.Equal(t, "좋아요", m.Reply)
}

func TestStripIsIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"a [READY_FOR_STORY] b",
		"[ ready_for_story ] [Emotion : joy] [CONTEXT:x]",
		"[REA[EMOTION: joy]DY_FOR_STORY] nested",
		"[CON[READY_FOR_STORY]TEXT: smuggled] tail",
		"line one   \n\n\n\n  line two\t\t end",
		"unmatched [CONTEXT: never closed",
		"[NOT_A_MARKER] stays",
	}

	for _, in := range inputs {
		once := Strip(in)
		twice := Strip(once)
		assert.Equal(t, once, twice, "input %q", in)
		assert.False(t, anyMarker.MatchString(once), "marker survived in %q", once)
	}
}

func TestStripRemovesSmuggledMarkers(t *testing.T) {
	assert.Equal(t, "nested", Strip("[REA[EMOTION: joy]DY_FOR_STORY] nested"))
	assert.Equal(t, "[NOT_A_MARKER] stays", Strip("[NOT_A_MARKER] stays"))
	assert.Equal(t, "unmatched [CONTEXT: never closed", Strip("unmatched [CONTEXT: never closed"))
}
