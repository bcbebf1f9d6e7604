package utils

import (
	"math/bits"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping renders bit flag sets as "A|B" strings from names registered per bit.
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

func (m FlagStringMapping[T]) FlagsToString(flags T) string {
	if flags == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint64(flags)
	for remaining != 0 {
		bit := uint64(1) << bits.TrailingZeros64(remaining)
		remaining &^= bit

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}

		name, ok := m.names[T(bit)]
		if !ok {
			name = "Unknown"
		}
		sb.WriteString(name)
	}

	return sb.String()
}
