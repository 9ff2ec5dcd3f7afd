package notes

import (
	"errors"
	"fmt"
)

var (
	// ErrPositionOutOfRange indicates a position outside the current content.
	ErrPositionOutOfRange = errors.New("notes: position out of range")
	// ErrLengthOutOfRange indicates a delete length that is not positive or runs past the content.
	ErrLengthOutOfRange = errors.New("notes: length out of range")
	// ErrEmptyInsert indicates an insert without content.
	ErrEmptyInsert = errors.New("notes: insert content empty")
	// ErrContentTooLarge indicates the resulting content exceeds the configured limit.
	ErrContentTooLarge = errors.New("notes: content too large")
)

// edit is a validated draft ready to be stamped into an Operation.
type edit struct {
	content  string
	position int
	length   int
	payload  string
}

// resolveDraft applies the draft to content. Positions and lengths count
// characters (runes) and are never clamped.
func resolveDraft(content string, draft Draft, maxContentRunes int) (edit, error) {
	var resolved edit
	switch draft.Kind {
	case OperationKindInsert:
		if draft.Content == "" {
			return edit{}, ErrEmptyInsert
		}
		runes := []rune(content)
		if draft.Position < 0 || draft.Position > len(runes) {
			return edit{}, fmt.Errorf("%w: %d not in [0,%d]", ErrPositionOutOfRange, draft.Position, len(runes))
		}
		inserted := []rune(draft.Content)
		next := make([]rune, 0, len(runes)+len(inserted))
		next = append(next, runes[:draft.Position]...)
		next = append(next, inserted...)
		next = append(next, runes[draft.Position:]...)
		resolved = edit{
			content:  string(next),
			position: draft.Position,
			length:   len(inserted),
			payload:  draft.Content,
		}
	case OperationKindDelete:
		runes := []rune(content)
		if draft.Position < 0 || draft.Position > len(runes) {
			return edit{}, fmt.Errorf("%w: %d not in [0,%d]", ErrPositionOutOfRange, draft.Position, len(runes))
		}
		if draft.Length <= 0 || draft.Position+draft.Length > len(runes) {
			return edit{}, fmt.Errorf("%w: %d at %d of %d", ErrLengthOutOfRange, draft.Length, draft.Position, len(runes))
		}
		end := draft.Position + draft.Length
		next := make([]rune, 0, len(runes)-draft.Length)
		next = append(next, runes[:draft.Position]...)
		next = append(next, runes[end:]...)
		resolved = edit{
			content:  string(next),
			position: draft.Position,
			length:   draft.Length,
			payload:  string(runes[draft.Position:end]),
		}
	case OperationKindReplace:
		resolved = edit{
			content:  draft.Content,
			position: 0,
			length:   runeLength(draft.Content),
			payload:  draft.Content,
		}
	default:
		return edit{}, fmt.Errorf("%w: %q", ErrInvalidOperationKind, draft.Kind)
	}
	if maxContentRunes > 0 && runeLength(resolved.content) > maxContentRunes {
		return edit{}, fmt.Errorf("%w: limit %d", ErrContentTooLarge, maxContentRunes)
	}
	return resolved, nil
}

// ApplyOperation applies a sequenced operation to content. Clients replaying
// the log use it to converge on the authoritative content.
func ApplyOperation(content string, operation Operation) (string, error) {
	switch operation.Kind {
	case OperationKindReplace:
		return operation.Content, nil
	case OperationKindInsert:
		resolved, err := resolveDraft(content, Draft{Kind: operation.Kind, Position: operation.Position, Content: operation.Content}, 0)
		if err != nil {
			return "", err
		}
		return resolved.content, nil
	case OperationKindDelete:
		resolved, err := resolveDraft(content, Draft{Kind: operation.Kind, Position: operation.Position, Length: operation.Length}, 0)
		if err != nil {
			return "", err
		}
		return resolved.content, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationKind, operation.Kind)
	}
}
