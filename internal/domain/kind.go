package domain

import "errors"

var ErrUnknownKind = errors.New("unknown media kind")

// Kind is a media stream kind. A client owns at most one producer per
// kind, and every downstream transport carries one consumer per kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindAudio, KindVideo:
		return Kind(raw), nil
	}
	return "", ErrUnknownKind
}
