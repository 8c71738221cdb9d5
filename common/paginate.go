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

package common

import "iter"

// DefaultPageSize is the number of items fetched per page from the analyzer.
// It is kept low so that protocol messages stay small.
const DefaultPageSize = 20

// PageFunc fetches up to count items starting at offset start. A nil or
// short page means there is nothing after it.
type PageFunc[T any] func(start, count int) []T

// Paginate lazily yields every item returned by fetch, one page at a time.
// Fetching stops after the first page holding fewer than pageSize items,
// so a dataset whose length is a multiple of pageSize costs one extra, empty,
// fetch. It also stops as soon as the consumer stops. Every range over the
// returned sequence starts again at offset zero.
func Paginate[T any](pageSize int, fetch PageFunc[T]) iter.Seq[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(T) bool) {
		for start := 0; ; start += pageSize {
			page := fetch(start, pageSize)
			for _, item := range page {
				if !yield(item) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Concat yields the items of every sequence in order.
func Concat[T any](seqs ...iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, seq := range seqs {
			for item := range seq {
				if !yield(item) {
					return
				}
			}
		}
	}
}
