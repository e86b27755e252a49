package cmd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Application payloads start with a kind byte.
//
//	text: 'M' | UTF-8 text
//	file: 'F' | name length (16 bits) | name | content
const (
	kindText byte = 'M'
	kindFile byte = 'F'
)

const maxFileNameLength = 1024

var ErrUnknownPayload = errors.New("unknown application payload")

// AppMessage is a decoded application payload.
type AppMessage struct {
	IsFile   bool
	Text     string
	FileName string
	Content  []byte
}

func EncodeText(text string) []byte {
	payload := make([]byte, 0, 1+len(text))
	payload = append(payload, kindText)
	return append(payload, text...)
}

func EncodeFile(name string, content []byte) ([]byte, error) {
	if name == "" || len(name) > maxFileNameLength {
		return nil, fmt.Errorf("file name must have 1 to %d bytes, got %d", maxFileNameLength, len(name))
	}

	payload := make([]byte, 3, 3+len(name)+len(content))
	payload[0] = kindFile
	binary.BigEndian.PutUint16(payload[1:3], uint16(len(name)))
	payload = append(payload, name...)
	return append(payload, content...), nil
}

func DecodeAppMessage(payload []byte) (AppMessage, error) {
	if len(payload) == 0 {
		return AppMessage{}, fmt.Errorf("%w: empty payload", ErrUnknownPayload)
	}

	switch payload[0] {
	case kindText:
		return AppMessage{Text: string(payload[1:])}, nil
	case kindFile:
		if len(payload) < 3 {
			return AppMessage{}, fmt.Errorf("%w: file header truncated", ErrUnknownPayload)
		}
		nameLength := int(binary.BigEndian.Uint16(payload[1:3]))
		if nameLength == 0 || len(payload) < 3+nameLength {
			return AppMessage{}, fmt.Errorf("%w: invalid file name length %d", ErrUnknownPayload, nameLength)
		}
		return AppMessage{
			IsFile:   true,
			FileName: string(payload[3 : 3+nameLength]),
			Content:  payload[3+nameLength:],
		}, nil
	default:
		return AppMessage{}, fmt.Errorf("%w: kind 0x%02x", ErrUnknownPayload, payload[0])
	}
}
