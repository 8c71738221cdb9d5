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

package instrumented

import (
	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/log"
)

// DefaultPromptText is the text the default dialog handler answers
// prompts with.
const DefaultPromptText = "Bye!"

// DefaultDialogHandler accepts every dialog, answering prompts with
// DefaultPromptText, so that dialogs never block the page.
func DefaultDialogHandler(logger *log.Logger) common.DialogHandler {
	return func(dialogType, message string) (bool, string) {
		logger.Debugf("Chrome:dialog", "%s dialog: %q", dialogType, message)
		return true, DefaultPromptText
	}
}
