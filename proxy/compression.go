/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a content coding that cannot be
// decoded.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Matches non-compliant io.Closer implementations (e.g. zstd.Decoder)
type ncloser interface {
	Close()
}

func closeDecoder(r io.Reader) error {
	switch v := r.(type) {
	case io.Closer:
		return v.Close() //nolint:wrapcheck
	case ncloser:
		v.Close()
	}
	return nil
}

// DecodeBody undoes the content codings listed in contentEncoding, which
// were applied in the listed order.
func DecodeBody(contentEncoding string, body []byte) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		if coding == "" || coding == "identity" {
			continue
		}
		var err error
		if body, err = decode(coding, body); err != nil {
			return nil, fmt.Errorf("error decompressing response body (%s): %w", coding, err)
		}
	}
	return body, nil
}

func decode(coding string, body []byte) ([]byte, error) {
	var (
		decoder io.Reader
		err     error
	)
	switch coding {
	case "gzip", "x-gzip":
		decoder, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		// servers disagree on whether deflate means zlib or a raw stream
		decoder, err = zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			decoder, err = flate.NewReader(bytes.NewReader(body)), nil
		}
	case "zstd":
		decoder, err = zstd.NewReader(bytes.NewReader(body))
	case "br":
		decoder = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, coding)
	}
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	out, err := io.ReadAll(decoder)
	if cerr := closeDecoder(decoder); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return out, nil
}
