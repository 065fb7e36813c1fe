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

package abi

import (
	"encoding/binary"
	"fmt"
)

const (
	// QuoteHeaderSize is the size of the sgx_quote_t fields that precede the report body.
	QuoteHeaderSize = 0x30
	// ReportBodySize is the size of an sgx_report_body_t.
	ReportBodySize = 0x180
	// QuoteBodySize is the size of the quote prefix that IAS echoes in isvEnclaveQuoteBody.
	QuoteBodySize = QuoteHeaderSize + ReportBodySize

	// SignatureTypeUnlinkable is the sign_type of a quote with an unlinkable EPID signature.
	SignatureTypeUnlinkable = 0
	// SignatureTypeLinkable is the sign_type of a quote with a linkable EPID signature.
	SignatureTypeLinkable = 1

	// AttributeInitted is set once the enclave has been initialized.
	AttributeInitted = 1 << 0
	// AttributeDebug is set for enclaves launched in debug mode.
	AttributeDebug = 1 << 1
	// AttributeMode64Bit is set for 64-bit enclaves.
	AttributeMode64Bit = 1 << 2
)

// Attributes is the SGX enclave attribute pair.
type Attributes struct {
	Flags uint64
	Xfrm  uint64
}

// ReportBody is the sgx_report_body_t embedded in a quote.
type ReportBody struct {
	CPUSVN       [16]byte
	MiscSelect   uint32
	IsvExtProdID [16]byte
	Attributes   Attributes
	MrEnclave    [32]byte
	MrSigner     [32]byte
	ConfigID     [64]byte
	IsvProdID    uint16
	IsvSVN       uint16
	ConfigSVN    uint16
	IsvFamilyID  [16]byte
	ReportData   [64]byte
}

// QuoteBody is the signed portion of an EPID sgx_quote_t without its signature.
type QuoteBody struct {
	Version     uint16
	SignType    uint16
	EpidGroupID uint32
	QeSVN       uint16
	PceSVN      uint16
	Xeid        uint32
	Basename    [32]byte
	ReportBody  ReportBody
}

// Debug returns whether the enclave was launched in debug mode.
func (r *ReportBody) Debug() bool {
	return r.Attributes.Flags&AttributeDebug != 0
}

func mbz(data []byte, lo, hi int) error {
	for i := lo; i < hi; i++ {
		if data[i] != 0 {
			return fmt.Errorf("mbz range [0x%x:0x%x] not all zero: %x", lo, hi, data[lo:hi])
		}
	}
	return nil
}

// ParseReportBody decodes an sgx_report_body_t. Reserved bytes must be zero.
func ParseReportBody(data []byte) (*ReportBody, error) {
	if len(data) < ReportBodySize {
		return nil, fmt.Errorf("report body too small: 0x%x < 0x%x", len(data), ReportBodySize)
	}
	for _, r := range [][2]int{{0x14, 0x20}, {0x60, 0x80}, {0xA0, 0xC0}, {0x106, 0x130}} {
		if err := mbz(data, r[0], r[1]); err != nil {
			return nil, err
		}
	}
	b := &ReportBody{}
	copy(b.CPUSVN[:], data[0x00:0x10])
	b.MiscSelect = binary.LittleEndian.Uint32(data[0x10:0x14])
	copy(b.IsvExtProdID[:], data[0x20:0x30])
	b.Attributes.Flags = binary.LittleEndian.Uint64(data[0x30:0x38])
	b.Attributes.Xfrm = binary.LittleEndian.Uint64(data[0x38:0x40])
	copy(b.MrEnclave[:], data[0x40:0x60])
	copy(b.MrSigner[:], data[0x80:0xA0])
	copy(b.ConfigID[:], data[0xC0:0x100])
	b.IsvProdID = binary.LittleEndian.Uint16(data[0x100:0x102])
	b.IsvSVN = binary.LittleEndian.Uint16(data[0x102:0x104])
	b.ConfigSVN = binary.LittleEndian.Uint16(data[0x104:0x106])
	copy(b.IsvFamilyID[:], data[0x130:0x140])
	copy(b.ReportData[:], data[0x140:0x180])
	return b, nil
}

// ParseQuoteBody decodes the first QuoteBodySize bytes of an SGX quote. Any signature that
// follows is ignored.
func ParseQuoteBody(data []byte) (*QuoteBody, error) {
	if len(data) < QuoteBodySize {
		return nil, fmt.Errorf("quote body too small: 0x%x < 0x%x", len(data), QuoteBodySize)
	}
	q := &QuoteBody{
		Version:     binary.LittleEndian.Uint16(data[0x00:0x02]),
		SignType:    binary.LittleEndian.Uint16(data[0x02:0x04]),
		EpidGroupID: binary.LittleEndian.Uint32(data[0x04:0x08]),
		QeSVN:       binary.LittleEndian.Uint16(data[0x08:0x0A]),
		PceSVN:      binary.LittleEndian.Uint16(data[0x0A:0x0C]),
		Xeid:        binary.LittleEndian.Uint32(data[0x0C:0x10]),
	}
	copy(q.Basename[:], data[0x10:0x30])
	body, err := ParseReportBody(data[QuoteHeaderSize:QuoteBodySize])
	if err != nil {
		return nil, err
	}
	q.ReportBody = *body
	return q, nil
}

// Marshal returns the binary sgx_report_body_t encoding of r.
func (r *ReportBody) Marshal() []byte {
	data := make([]byte, ReportBodySize)
	copy(data[0x00:0x10], r.CPUSVN[:])
	binary.LittleEndian.PutUint32(data[0x10:0x14], r.MiscSelect)
	copy(data[0x20:0x30], r.IsvExtProdID[:])
	binary.LittleEndian.PutUint64(data[0x30:0x38], r.Attributes.Flags)
	binary.LittleEndian.PutUint64(data[0x38:0x40], r.Attributes.Xfrm)
	copy(data[0x40:0x60], r.MrEnclave[:])
	copy(data[0x80:0xA0], r.MrSigner[:])
	copy(data[0xC0:0x100], r.ConfigID[:])
	binary.LittleEndian.PutUint16(data[0x100:0x102], r.IsvProdID)
	binary.LittleEndian.PutUint16(data[0x102:0x104], r.IsvSVN)
	binary.LittleEndian.PutUint16(data[0x104:0x106], r.ConfigSVN)
	copy(data[0x130:0x140], r.IsvFamilyID[:])
	copy(data[0x140:0x180], r.ReportData[:])
	return data
}

// Marshal returns the QuoteBodySize-byte binary encoding of q.
func (q *QuoteBody) Marshal() []byte {
	data := make([]byte, QuoteBodySize)
	binary.LittleEndian.PutUint16(data[0x00:0x02], q.Version)
	binary.LittleEndian.PutUint16(data[0x02:0x04], q.SignType)
	binary.LittleEndian.PutUint32(data[0x04:0x08], q.EpidGroupID)
	binary.LittleEndian.PutUint16(data[0x08:0x0A], q.QeSVN)
	binary.LittleEndian.PutUint16(data[0x0A:0x0C], q.PceSVN)
	binary.LittleEndian.PutUint32(data[0x0C:0x10], q.Xeid)
	copy(data[0x10:0x30], q.Basename[:])
	copy(data[QuoteHeaderSize:], q.ReportBody.Marshal())
	return data
}
