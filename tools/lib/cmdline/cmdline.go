// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmdline implements command-line utilities for tools.
package cmdline

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// InputType represents how data is coming in, either via file or string.
type InputType int

const (
	// Stringy indicates the input is coming from an argument string.
	// "auto" behavior prefers hexadecimal.
	Stringy InputType = iota
	// Filey indicates the input is coming from a file.
	// "auto" behavior prefers binary.
	Filey
)

func sizedBytes(flag, value string, byteSize int, decode func(string) ([]byte, error)) ([]byte, error) {
	bytes, err := decode(value)
	if err != nil {
		return nil, fmt.Errorf("%s=%s could not be decoded: %v", flag, value, err)
	}
	if byteSize < 0 {
		return bytes, nil
	}
	if len(bytes) > byteSize {
		return nil, fmt.Errorf("%s=%s (%v) is not representable in %d bytes", flag, value, bytes, byteSize)
	}
	sized := make([]byte, byteSize)
	copy(sized, bytes)
	return sized, nil
}

func parseBytesFromString(name string, byteSize int, in string, inform string) ([]byte, error) {
	if !utf8.ValidString(in) {
		return nil, fmt.Errorf("could not decode %s contents as a UTF-8 string. Try --inform=bin", name)
	}
	switch inform {
	case "hex":
		return sizedBytes(name, in, byteSize, hex.DecodeString)
	case "base64":
		return sizedBytes(name, in, byteSize, base64.StdEncoding.DecodeString)
	case "auto":
		// Hex first. The base64 grammar intersects the hex grammar.
		if b, err := sizedBytes(name, in, byteSize, hex.DecodeString); err == nil {
			return b, nil
		}
		return sizedBytes(name, in, byteSize, base64.StdEncoding.DecodeString)
	default:
		return nil, fmt.Errorf("unknown --inform=%s", inform)
	}
}

func isBinForm(inform string, intype InputType) bool {
	if inform == "bin" {
		return true
	}
	return intype == Filey && inform == "auto"
}

// ParseBytes returns the denoted bytes from the reader `in` or an error. A negative byteSize
// accepts any length.
func ParseBytes(name string, byteSize int, in io.Reader, inform string, intype InputType) ([]byte, error) {
	inbytes, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	// Empty input is nil rather than zero-filled so that "unset" stays distinguishable from 0.
	if len(inbytes) == 0 {
		return nil, nil
	}
	if isBinForm(inform, intype) {
		if byteSize >= 0 && len(inbytes) != byteSize {
			return nil, fmt.Errorf("binary input type had %d bytes. Expect exactly %d bytes",
				len(inbytes), byteSize)
		}
		return inbytes, nil
	}
	return parseBytesFromString(name, byteSize, strings.TrimSpace(string(inbytes)), inform)
}

// ReadBytes interprets a flag value that is either an encoded string or, when prefixed with '@',
// the name of a file to read. "@-" reads standard input. File contents in "auto" form are
// taken as binary.
func ReadBytes(name string, byteSize int, value, inform string) ([]byte, error) {
	if !strings.HasPrefix(value, "@") {
		return ParseBytes(name, byteSize, strings.NewReader(value), inform, Stringy)
	}
	path := value[1:]
	if path == "-" {
		return ParseBytes(name, byteSize, os.Stdin, inform, Filey)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s file %q: %v", name, path, err)
	}
	defer f.Close()
	return ParseBytes(name, byteSize, f, inform, Filey)
}

// ByteFlags collects string flags that denote fixed-size byte arrays so they can all be decoded
// once the input format flag is known.
type ByteFlags struct {
	thunks []func(inform string) error
}

// Bytes registers a flag value that translates into a byteSize array on Parse.
//
// A byte string can be represented as
// *  hexadecimal encoded string if --inform=hex or --inform=auto.
// *  base64 if --inform=base64 or --inform=auto
// *  @path to read the value from a file.
//
// Hex string decoding is attempted first with auto.
func (f *ByteFlags) Bytes(name string, byteSize int, in *string) *[]byte {
	var empty []byte
	result := &empty
	f.thunks = append(f.thunks, func(inform string) error {
		// No input means to keep the initial value.
		if *in == "" {
			return nil
		}
		bytes, err := ReadBytes(name, byteSize, *in, inform)
		if err != nil {
			return err
		}
		*result = bytes
		return nil
	})
	return result
}

// Parse decodes every registered flag given the input format. Call after flag parsing.
func (f *ByteFlags) Parse(inform string) error {
	for _, thunk := range f.thunks {
		if err := thunk(inform); err != nil {
			return err
		}
	}
	return nil
}
