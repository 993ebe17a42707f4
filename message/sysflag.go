// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// System flags carried in Message.SysFlag.
const (
	FlagEmpty          = 0
	FlagBodyCompressed = 0x1
	FlagMultiTags      = 0x1 << 1

	TransactionNotType      = 0
	TransactionPreparedType = 0x1 << 2
	TransactionCommitType   = 0x2 << 2
	TransactionRollbackType = 0x3 << 2
)

// ErrCorruptBody is returned when a compressed body cannot be inflated.
var ErrCorruptBody = errors.New("corrupt compressed message body")

// SetTransactionPrepared marks the flag as a prepared transactional message.
func SetTransactionPrepared(flag int) int {
	return flag | TransactionPreparedType
}

// TransactionValue extracts the transaction type bits.
func TransactionValue(flag int) int {
	return flag & TransactionRollbackType
}

// ResetTransactionValue replaces the transaction type bits.
func ResetTransactionValue(flag, txType int) int {
	return (flag &^ TransactionRollbackType) | txType
}

// IsBodyCompressed reports whether the body is zlib compressed.
func IsBodyCompressed(flag int) bool {
	return flag&FlagBodyCompressed == FlagBodyCompressed
}

// ClearBodyCompressed clears the compression bit.
func ClearBodyCompressed(flag int) int {
	return flag &^ FlagBodyCompressed
}

// IsMultiTags reports whether the tags property holds several tags.
func IsMultiTags(flag int) bool {
	return flag&FlagMultiTags == FlagMultiTags
}

// Compress deflates body with zlib at the given level.
func Compress(body []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates the message body in place when it is flagged as compressed
// and clears the flag. Bodies without the flag are left untouched.
func (m *Message) Decompress() error {
	if !IsBodyCompressed(m.SysFlag) {
		return nil
	}
	r, err := zlib.NewReader(bytes.NewReader(m.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptBody, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptBody, err)
	}
	m.Body = body
	m.SysFlag = ClearBodyCompressed(m.SysFlag)
	return nil
}
