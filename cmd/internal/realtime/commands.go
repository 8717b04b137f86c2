package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	v1 "huddle/contracts/realtime/v1"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodePayload unmarshals raw into dst, rejecting unknown fields, and
// validates dst's struct tags. All failures wrap ErrInvalidCommand.
func decodePayload[T any](raw json.RawMessage, dst *T) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, describeValidation(err))
	}
	return nil
}

// describeValidation renders validator errors as "field: rule" pairs using the json names.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", jsonFieldName(fe), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func jsonFieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "RoomID":
		return "room"
	case "Type":
		return "message_type"
	case "MediaRef":
		return "image"
	case "AfterSeq":
		return "after_seq"
	case "ClientMsgID":
		return "client_msg_id"
	default:
		return strings.ToLower(fe.Field())
	}
}

// DecodeSendCommand decodes and validates a message.send payload.
func DecodeSendCommand(raw json.RawMessage) (SendCommand, error) {
	var p v1.MessageSendPayload
	if err := decodePayload(raw, &p); err != nil {
		return SendCommand{}, err
	}
	return SendCommandFromPayload(p)
}

// SendCommandFromPayload converts an already decoded payload.
func SendCommandFromPayload(p v1.MessageSendPayload) (SendCommand, error) {
	if err := validate.Struct(p); err != nil {
		return SendCommand{}, fmt.Errorf("%w: %s", ErrInvalidCommand, describeValidation(err))
	}
	typ, err := ParseMessageType(p.Type)
	if err != nil {
		return SendCommand{}, err
	}
	return SendCommand{
		RoomID:      p.RoomID,
		Type:        typ,
		Content:     p.Content,
		MediaRef:    p.MediaRef,
		ClientMsgID: p.ClientMsgID,
	}, nil
}
