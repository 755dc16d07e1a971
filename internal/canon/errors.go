package canon

import "fmt"

// Error is the typed violation returned when a document fails the strict
// YAML subset (§4.1). Exactly one of these is ever produced per call.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func errAnchor(pos string) *Error {
	return &Error{Code: "AnchorFound", Message: fmt.Sprintf("YAML anchor at %s", pos)}
}

func errAlias(pos string) *Error {
	return &Error{Code: "AliasFound", Message: fmt.Sprintf("YAML alias at %s", pos)}
}

func errTag(tag string) *Error {
	return &Error{Code: "TagFound", Message: fmt.Sprintf("YAML tag %q", tag)}
}

func errMultiDocument() *Error {
	return &Error{Code: "MultiDocumentFound", Message: "multi-document stream or leading --- separator"}
}

func errDuplicateKey(key string) *Error {
	return &Error{Code: "DuplicateKey", Message: fmt.Sprintf("duplicate mapping key %q", key)}
}

func errFloat(value string) *Error {
	return &Error{Code: "FloatNotAllowed", Message: fmt.Sprintf("floating-point value %q not allowed", value)}
}

func errIntOutOfRange(value string) *Error {
	return &Error{Code: "IntegerOutOfRange", Message: fmt.Sprintf("integer %s outside [-2^53, 2^53]", value)}
}

func errNonStringKey() *Error {
	return &Error{Code: "NonStringKey", Message: "non-string mapping key"}
}

func errMaxDepth(depth int) *Error {
	return &Error{Code: "MaxDepthExceeded", Message: fmt.Sprintf("nesting depth %d exceeds limit", depth)}
}

func errMaxKeys(count int) *Error {
	return &Error{Code: "MaxKeysExceeded", Message: fmt.Sprintf("%d keys exceeds per-mapping limit", count)}
}

func errStringTooLong(length int) *Error {
	return &Error{Code: "StringTooLong", Message: fmt.Sprintf("string of length %d exceeds limit", length)}
}

func errInputTooLarge(size int) *Error {
	return &Error{Code: "InputTooLarge", Message: fmt.Sprintf("input of %d bytes exceeds total size limit", size)}
}

func errParse(message string) *Error {
	return &Error{Code: "ParseError", Message: message}
}

func errSerialize(message string) *Error {
	return &Error{Code: "SerializeError", Message: message}
}
