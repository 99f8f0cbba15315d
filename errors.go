package envelope

import (
	"errors"
	"fmt"
)

// Error message payloads. Every field is always serialized, null when
// unset; clients branch on the stable tag and read fixed shapes.

type GenericErrorPayload struct {
	Msg *string `json:"msg"`
}

type ValidationErrorPayload struct {
	Msg    *string      `json:"msg"`
	Errors []FieldError `json:"errors"`
}

type MsgTypeErrorPayload struct {
	Msg      *string `json:"msg"`
	TypeName string  `json:"type_name"`
	Envelope string  `json:"envelope"`
}

type NotFoundErrorPayload struct {
	Model string `json:"model"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type UnauthorizedErrorPayload struct {
	Model      string  `json:"model"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Permission *string `json:"permission"`
}

type JobErrorPayload struct {
	Msg *string `json:"msg"`
}

// Base error descriptors. They carry no handlers; error messages are
// built, packed under the errors kind and sent, never dispatched.
var (
	GenericError = &Descriptor{
		Name:       "error.generic",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(GenericErrorPayload) },
	}
	ValidationErrorMsg = &Descriptor{
		Name:       "error.validation",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(ValidationErrorPayload) },
	}
	MsgTypeError = &Descriptor{
		Name:       "error.msg_type",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(MsgTypeErrorPayload) },
	}
	BadRequestError = &Descriptor{
		Name:       "error.bad_request",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(GenericErrorPayload) },
	}
	NotFoundError = &Descriptor{
		Name:       "error.not_found",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(NotFoundErrorPayload) },
	}
	UnauthorizedError = &Descriptor{
		Name:       "error.unauthorized",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(UnauthorizedErrorPayload) },
	}
	JobError = &Descriptor{
		Name:       "error.job",
		Behavior:   BehaviorError,
		NewPayload: func() any { return new(JobErrorPayload) },
	}
)

func registerBaseErrors(c *Catalog) {
	reg := c.Errors()
	for _, d := range []*Descriptor{
		GenericError,
		ValidationErrorMsg,
		MsgTypeError,
		BadRequestError,
		NotFoundError,
		UnauthorizedError,
		JobError,
	} {
		reg.Register(d)
	}
}

// Error is an error message in transit as a Go error. Handlers deep in
// the pipeline return it; the boundary (session or worker) backfills the
// meta from the source message and sends it through the errors kind.
type Error struct {
	Desc    *Descriptor
	Payload any
	Meta    MessageMeta
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %+v", e.Desc.Name, e.Payload)
}

// Message returns the sendable form.
func (e *Error) Message() *Message {
	return &Message{Desc: e.Desc, Payload: e.Payload, Meta: e.Meta}
}

// BackfillMeta fills id, consumer and language from a source meta where
// the error did not set them itself.
func (e *Error) BackfillMeta(src MessageMeta) {
	if e.Meta.ID == "" {
		e.Meta.ID = src.ID
	}
	if e.Meta.ConsumerName == "" {
		e.Meta.ConsumerName = src.ConsumerName
	}
	if e.Meta.Language == "" {
		e.Meta.Language = src.Language
	}
	if e.Meta.UserPk == 0 {
		e.Meta.UserPk = src.UserPk
	}
}

func ErrGeneric(msg string) *Error {
	return &Error{Desc: GenericError, Payload: &GenericErrorPayload{Msg: optional(msg)}}
}

func ErrBadRequest(msg string) *Error {
	return &Error{Desc: BadRequestError, Payload: &GenericErrorPayload{Msg: optional(msg)}}
}

func ErrValidation(ve *ValidationError) *Error {
	return &Error{Desc: ValidationErrorMsg, Payload: &ValidationErrorPayload{Errors: ve.Errors}}
}

func ErrMsgType(typeName, envelopeName string) *Error {
	return &Error{Desc: MsgTypeError, Payload: &MsgTypeErrorPayload{
		TypeName: typeName,
		Envelope: envelopeName,
	}}
}

func ErrNotFound(model, key, value string) *Error {
	return &Error{Desc: NotFoundError, Payload: &NotFoundErrorPayload{
		Model: model,
		Key:   key,
		Value: value,
	}}
}

func ErrUnauthorized(model, key, value, permission string) *Error {
	return &Error{Desc: UnauthorizedError, Payload: &UnauthorizedErrorPayload{
		Model:      model,
		Key:        key,
		Value:      value,
		Permission: optional(permission),
	}}
}

func ErrJob(msg string) *Error {
	return &Error{Desc: JobError, Payload: &JobErrorPayload{Msg: optional(msg)}}
}

// AsErrorMessage extracts an error message from an error tree, wrapping
// bare validation errors into error.validation on the way.
func AsErrorMessage(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrValidation(ve), true
	}
	return nil, false
}
