package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicTags(t *testing.T) {
	segments := Parse("<배경>객잔_내부<Bgm>calm<나레이션>해가 저물었다.")

	require.Len(t, segments, 3)
	assert.Equal(t, SegmentBackground, segments[0].Type)
	assert.Equal(t, "객잔_내부", segments[0].Content)
	assert.Equal(t, SegmentBgm, segments[1].Type)
	assert.Equal(t, "calm", segments[1].Content)
	assert.Equal(t, SegmentNarration, segments[2].Type)
	assert.Equal(t, "해가 저물었다.", segments[2].Content)
}

func TestParseDialogueMeta(t *testing.T) {
	segments := Parse("<대사>소소_미소: \"오셨군요.\"")

	require.Len(t, segments, 1)
	assert.Equal(t, SegmentDialogue, segments[0].Type)
	assert.Equal(t, "소소", segments[0].Character)
	assert.Equal(t, "미소", segments[0].Expression)
	assert.Equal(t, "\"오셨군요.\"", segments[0].Content)
}

func TestParseDialogueTrailingNarration(t *testing.T) {
	segments := Parse("<대사>소소_기본: \"조심하세요.\"\n그녀가 등을 돌렸다.")

	require.Len(t, segments, 2)
	assert.Equal(t, SegmentDialogue, segments[0].Type)
	assert.Equal(t, SegmentNarration, segments[1].Type)
	assert.Equal(t, "그녀가 등을 돌렸다.", segments[1].Content)
}

func TestParseNarrationSplitsLines(t *testing.T) {
	segments := Parse("<나레이션>첫 줄이다.\n둘째 줄이다.")

	require.Len(t, segments, 2)
	assert.Equal(t, "첫 줄이다.", segments[0].Content)
	assert.Equal(t, "둘째 줄이다.", segments[1].Content)
}

func TestParseChoices(t *testing.T) {
	segments := Parse("<선택지1>싸운다<선택지2>도망친다")

	require.Len(t, segments, 2)
	assert.Equal(t, SegmentChoice, segments[0].Type)
	assert.Equal(t, 1, segments[0].ChoiceID)
	assert.Equal(t, 2, segments[1].ChoiceID)
	assert.Equal(t, "도망친다", segments[1].Content)
}

func TestParseCommandAttributes(t *testing.T) {
	segments := Parse("<update_stat hp='-5' mp='3'><update_relationship char='소소' val='5'>")

	require.Len(t, segments, 2)
	assert.Equal(t, SegmentCommand, segments[0].Type)
	assert.Equal(t, CommandUpdateStat, segments[0].Command)
	assert.Equal(t, "-5", segments[0].Payload["hp"])
	assert.Equal(t, "3", segments[0].Payload["mp"])
	assert.Equal(t, CommandUpdateRelationship, segments[1].Command)
	assert.Equal(t, "소소", segments[1].Payload["char"])
}

func TestParseCommandContentPayload(t *testing.T) {
	segments := Parse("<set_time>밤<나레이션>달이 떴다.")

	require.Len(t, segments, 2)
	assert.Equal(t, CommandSetTime, segments[0].Command)
	assert.Equal(t, "밤", segments[0].Payload["value"])
}

func TestParseLeaveMarksPreviousSegment(t *testing.T) {
	segments := Parse("<대사>소소_슬픔: \"안녕히.\"<떠남>")

	require.Len(t, segments, 1)
	assert.True(t, segments[0].Leave)
}

func TestParseUnknownTagWithColonIsDialogue(t *testing.T) {
	segments := Parse("<소소_웃음: 반갑습니다>")

	require.Len(t, segments, 1)
	assert.Equal(t, SegmentDialogue, segments[0].Type)
	assert.Equal(t, "소소", segments[0].Character)
}

func TestParseUnknownTagIsNarration(t *testing.T) {
	segments := Parse("<효과음>쿵")

	require.Len(t, segments, 1)
	assert.Equal(t, SegmentNarration, segments[0].Type)
	assert.Equal(t, "[효과음] 쿵", segments[0].Content)
}

func TestParseTaglessTextFallsBackToNarration(t *testing.T) {
	segments := Parse("그저 평범한 하루였다.")

	require.Len(t, segments, 1)
	assert.Equal(t, SegmentNarration, segments[0].Type)
}

func TestParseTruncatedPrefixNeverPanics(t *testing.T) {
	full := "<배경>객잔<Bgm>calm<나레이션>해가 저물었다.<선택지1>나간다"
	for i := 0; i <= len(full); i++ {
		assert.NotPanics(t, func() { Parse(full[:i]) })
	}
}

func TestVisibleBufferStripsThinkBlocks(t *testing.T) {
	out := VisibleBuffer("<Think>내부 추론</Think><나레이션>보이는 글")
	assert.Equal(t, "<나레이션>보이는 글", out)

	// Unclosed reasoning truncates the rest of the buffer.
	out = VisibleBuffer("<나레이션>보이는 글<Think>아직 생각")
	assert.Equal(t, "<나레이션>보이는 글", out)
}

func TestVisibleBufferKeepsLastOutputRegion(t *testing.T) {
	out := VisibleBuffer("지난 턴 에코<Output>진짜 답변</Output>")
	assert.Equal(t, "진짜 답변", out)

	// Trailing junk after the close is discarded across line breaks too.
	out = VisibleBuffer("<Output>진짜 답변</Output>\n다음 턴 에코가 샌다")
	assert.Equal(t, "진짜 답변", out)
}

func TestVisibleBufferScrubsLogicTags(t *testing.T) {
	out := VisibleBuffer("검이 스쳤다.<Stat hp='-5'> 피가 흘렀다.<Rel char='소소' val='2'>")
	assert.Equal(t, "검이 스쳤다. 피가 흘렀다.", out)
}

func TestVisibleBufferHidesPartialTrailingTag(t *testing.T) {
	out := VisibleBuffer("<나레이션>밤이 깊었다.<배")
	assert.Equal(t, "<나레이션>밤이 깊었다.", out)
}

func TestParseMessageStyleTags(t *testing.T) {
	segments := Parse("<문자>소소_지금: 어디세요?<전화>무영: 잠시 보세.")

	require.Len(t, segments, 2)
	assert.Equal(t, SegmentTextMessage, segments[0].Type)
	assert.Equal(t, "소소", segments[0].Character)
	assert.Equal(t, "어디세요?", segments[0].Content)
	assert.Equal(t, SegmentPhoneCall, segments[1].Type)
	assert.Equal(t, "무영", segments[1].Character)
	assert.Equal(t, "통화", segments[1].Expression)
	assert.Equal(t, "잠시 보세.", segments[1].Content)
}
