package bridge

import (
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/wfunc/serial-bridge/internal/errors"
)

// 解码失败策略
const (
	EncodingStrict  = "strict"  // 整行转为十六进制展示
	EncodingIgnore  = "ignore"  // 丢弃非法字节
	EncodingReplace = "replace" // 非法字节替换为占位符
)

const replacementChar = '�'

// NormalizeEncoding 规范化编码名称
func NormalizeEncoding(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return "utf-8", nil
	case "ascii", "us-ascii":
		return "ascii", nil
	case "latin-1", "latin1", "iso-8859-1":
		return "latin-1", nil
	default:
		return "", apperrors.Newf(apperrors.ErrUnsupportedEncoding, "编码 %s 不支持", name)
	}
}

// NormalizeEncodingErrors 规范化解码失败策略
func NormalizeEncodingErrors(policy string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", EncodingReplace:
		return EncodingReplace, nil
	case EncodingStrict:
		return EncodingStrict, nil
	case EncodingIgnore:
		return EncodingIgnore, nil
	default:
		return "", apperrors.Newf(apperrors.ErrInvalidParam, "解码策略 %s 不支持", policy)
	}
}

// EncodeCommand 按编码把命令转成待写入的字节
func EncodeCommand(command string, encoding string) ([]byte, error) {
	enc, err := NormalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}

	switch enc {
	case "utf-8":
		return []byte(command), nil
	case "ascii":
		for _, r := range command {
			if r > 0x7F {
				return nil, apperrors.Newf(apperrors.ErrUnsupportedEncoding, "命令包含非ASCII字符: %q", r)
			}
		}
		return []byte(command), nil
	case "latin-1":
		out := make([]byte, 0, len(command))
		for _, r := range command {
			if r > 0xFF {
				return nil, apperrors.Newf(apperrors.ErrUnsupportedEncoding, "命令包含Latin-1之外的字符: %q", r)
			}
			out = append(out, byte(r))
		}
		return out, nil
	}
	return []byte(command), nil
}

// DecodeLine 按编码解码一行响应。
// strict策略下无法解码的行返回十六进制转储，保证交换不会因脏数据失败。
func DecodeLine(raw []byte, encoding string, policy string) string {
	enc, err := NormalizeEncoding(encoding)
	if err != nil {
		enc = "utf-8"
	}
	pol, err := NormalizeEncodingErrors(policy)
	if err != nil {
		pol = EncodingReplace
	}

	switch enc {
	case "latin-1":
		// Latin-1每个字节都有效
		var b strings.Builder
		b.Grow(len(raw))
		for _, c := range raw {
			b.WriteRune(rune(c))
		}
		return b.String()

	case "ascii":
		if isASCII(raw) {
			return string(raw)
		}
		switch pol {
		case EncodingStrict:
			return HexDump(raw)
		case EncodingIgnore:
			var b strings.Builder
			for _, c := range raw {
				if c <= 0x7F {
					b.WriteByte(c)
				}
			}
			return b.String()
		default:
			var b strings.Builder
			for _, c := range raw {
				if c <= 0x7F {
					b.WriteByte(c)
				} else {
					b.WriteRune(replacementChar)
				}
			}
			return b.String()
		}

	default: // utf-8
		if utf8.Valid(raw) {
			return string(raw)
		}
		switch pol {
		case EncodingStrict:
			return HexDump(raw)
		case EncodingIgnore:
			var b strings.Builder
			for len(raw) > 0 {
				r, size := utf8.DecodeRune(raw)
				if r != utf8.RuneError || size != 1 {
					b.WriteRune(r)
				}
				raw = raw[size:]
			}
			return b.String()
		default:
			// string转换会把非法字节替换为U+FFFD
			return strings.ToValidUTF8(string(raw), string(replacementChar))
		}
	}
}

// HexDump 非法字节的十六进制展示
func HexDump(raw []byte) string {
	return fmt.Sprintf("Raw hex data: % x", raw)
}

func isASCII(raw []byte) bool {
	for _, c := range raw {
		if c > 0x7F {
			return false
		}
	}
	return true
}
