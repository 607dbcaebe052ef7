package script

import (
	"strconv"
	"strings"
)

// Tag names understood by the parser. Presentation tags use the Korean
// wire names the narration model is prompted with; command tags use the
// snake_case mutation names.
const (
	tagBackground  = "배경"
	tagBgm         = "Bgm"
	tagEventCG     = "EventCG"
	tagNarration   = "나레이션"
	tagDialogue    = "대사"
	tagChoice      = "선택지"
	tagTextMessage = "문자"
	tagTextReply   = "답장"
	tagPhoneCall   = "전화"
	tagSystemPopup = "시스템팝업"
	tagSystemAlt   = "시스템"
	tagLeave       = "떠남"
)

var commandTags = map[string]CommandKind{
	"set_time":            CommandSetTime,
	"update_stat":         CommandUpdateStat,
	"update_relationship": CommandUpdateRelationship,
	"update_time":         CommandUpdateTime,
	"add_injury":          CommandAddInjury,
}

// Parse converts tagged script text into an ordered segment sequence.
//
// The input may be a truncated prefix of the final text: Parse never
// assumes the last tag's content is complete. Callers that stream should
// first derive a visible buffer (VisibleBuffer) so partial trailing tags
// and hidden reasoning blocks are not parsed at all.
func Parse(text string) []Segment {
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")

	var segments []Segment
	rest := text
	sawTag := false

	for {
		open := strings.Index(rest, "<")
		if open == -1 {
			break
		}
		closeRel := strings.Index(rest[open:], ">")
		if closeRel == -1 {
			break
		}
		tag := strings.TrimSpace(rest[open+1 : open+closeRel])
		rest = rest[open+closeRel+1:]
		sawTag = true

		// Content runs until the next tag opener.
		content := rest
		if next := strings.Index(rest, "<"); next != -1 {
			content = rest[:next]
			rest = rest[next:]
		} else {
			rest = ""
		}
		content = strings.TrimSpace(content)

		segments = appendSegment(segments, tag, content)
	}

	// Tagless text is a single narration line; used as a fallback when the
	// model ignores the format entirely.
	if !sawTag && strings.TrimSpace(text) != "" {
		segments = append(segments, Segment{Type: SegmentNarration, Content: strings.TrimSpace(text)})
	}

	// A leave marker embedded inside content flags that segment instead of
	// producing its own.
	for i := range segments {
		if strings.Contains(segments[i].Content, "<"+tagLeave+">") {
			segments[i].Leave = true
			segments[i].Content = strings.TrimSpace(strings.ReplaceAll(segments[i].Content, "<"+tagLeave+">", ""))
		}
	}

	return segments
}

func appendSegment(segments []Segment, tag, content string) []Segment {
	name, attrs := splitTag(tag)

	if kind, ok := commandTags[name]; ok {
		if content != "" {
			attrs["value"] = content
		}
		return append(segments, Segment{Type: SegmentCommand, Command: kind, Payload: attrs, Content: content})
	}

	switch {
	case name == tagBackground:
		return append(segments, Segment{Type: SegmentBackground, Content: content})
	case name == tagBgm:
		return append(segments, Segment{Type: SegmentBgm, Content: content})
	case name == tagEventCG:
		return append(segments, Segment{Type: SegmentEventCG, Content: content})
	case name == tagSystemPopup || name == tagSystemAlt:
		return append(segments, Segment{Type: SegmentSystemPopup, Content: content})
	case name == tagNarration:
		return appendNarration(segments, content)
	case strings.HasPrefix(name, tagChoice):
		id, err := strconv.Atoi(strings.TrimPrefix(name, tagChoice))
		if err != nil {
			id = 0
		}
		return append(segments, Segment{Type: SegmentChoice, Content: content, ChoiceID: id})
	case name == tagDialogue:
		return appendDialogue(segments, content)
	case name == tagTextMessage:
		return append(segments, addressedSegment(SegmentTextMessage, content, "지금"))
	case name == tagTextReply:
		return append(segments, addressedSegment(SegmentTextReply, content, ""))
	case name == tagPhoneCall:
		return append(segments, addressedSegment(SegmentPhoneCall, content, "통화"))
	case name == tagLeave:
		if len(segments) > 0 {
			segments[len(segments)-1].Leave = true
		}
		return segments
	}

	// Unknown tag carrying a colon is almost always a dialogue line the
	// model forgot to wrap; anything else degrades to narration.
	if idx := strings.Index(tag, ":"); idx != -1 {
		meta := strings.TrimSpace(tag[:idx])
		line := strings.TrimSpace(tag[idx+1:])
		if content != "" {
			line = strings.TrimSpace(line + " " + content)
		}
		char, expr := splitMeta(meta)
		return append(segments, Segment{Type: SegmentDialogue, Content: line, Character: char, Expression: expr})
	}
	return append(segments, Segment{Type: SegmentNarration, Content: "[" + name + "] " + content})
}

// appendNarration splits multi-line narration into one segment per line so
// the player advances through it line by line.
func appendNarration(segments []Segment, content string) []Segment {
	content = strings.ReplaceAll(content, "**", "")
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		segments = append(segments, Segment{Type: SegmentNarration, Content: line})
	}
	return segments
}

// appendDialogue parses the "Name_Expression: content" dialogue format. A
// quoted first line followed by prose is split into dialogue + narration.
func appendDialogue(segments []Segment, content string) []Segment {
	idx := strings.Index(content, ":")
	if idx == -1 {
		return append(segments, Segment{Type: SegmentDialogue, Content: content, Character: "Unknown", Expression: "기본"})
	}
	char, expr := splitMeta(strings.TrimSpace(content[:idx]))
	body := strings.TrimSpace(content[idx+1:])

	speech := body
	trailing := ""
	if strings.HasPrefix(body, "\"") {
		if end := strings.Index(body[1:], "\""); end != -1 {
			after := strings.TrimSpace(body[end+2:])
			if after != "" {
				speech = body[:end+2]
				trailing = after
			}
		}
	}

	for _, line := range strings.Split(speech, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		segments = append(segments, Segment{Type: SegmentDialogue, Content: line, Character: char, Expression: expr})
	}
	if trailing != "" {
		segments = appendNarration(segments, trailing)
	}
	return segments
}

// addressedSegment parses "Sender_Header: content" message-style tags.
func addressedSegment(t SegmentType, content, defaultHeader string) Segment {
	seg := Segment{Type: t, Character: "Unknown", Expression: defaultHeader, Content: content}
	if idx := strings.Index(content, ":"); idx != -1 {
		char, expr := splitMeta(strings.TrimSpace(content[:idx]))
		seg.Character = char
		if expr != "기본" {
			seg.Expression = expr
		}
		seg.Content = strings.TrimSpace(content[idx+1:])
	}
	return seg
}

// splitTag separates a tag into its name and key='value' attributes.
func splitTag(tag string) (string, map[string]string) {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return "", map[string]string{}
	}
	attrs := make(map[string]string)
	for _, f := range fields[1:] {
		eq := strings.Index(f, "=")
		if eq == -1 {
			continue
		}
		val := strings.Trim(f[eq+1:], `'"`)
		attrs[f[:eq]] = val
	}
	return fields[0], attrs
}

func splitMeta(meta string) (character, expression string) {
	parts := strings.SplitN(meta, "_", 2)
	character = parts[0]
	expression = "기본"
	if len(parts) == 2 && parts[1] != "" {
		expression = parts[1]
	}
	return character, expression
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
