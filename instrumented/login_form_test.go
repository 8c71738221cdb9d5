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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<html><head><title>login</title></head><body>
<form id="login"><input type="text" name="user"><input type="password" name="pass"><button type="submit">Go</button></form>
<form><input type="email" id="mail"><input type="password"></form>
<form><input type="text"><input type="password"><input type="password"></form>
<form><input type="password"><input type="submit"></form>
<form><input type="text" id="user name"><input type="password" id="pw"><input type="image" src="go.png"></form>
</body></html>`

func TestFindLoginForms(t *testing.T) {
	t.Parallel()

	forms, err := FindLoginForms(loginPage)
	require.NoError(t, err)
	require.Len(t, forms, 3)

	assert.Equal(t, &LoginForm{
		UsernameSelector: "#login > input:nth-child(1)",
		PasswordSelector: "#login > input:nth-child(2)",
		SubmitSelector:   "#login > button:nth-child(3)",
		SubmitStrategy:   SubmitClick,
	}, forms[0])

	assert.Equal(t, &LoginForm{
		UsernameSelector: "#mail",
		PasswordSelector: "html > body:nth-child(2) > form:nth-child(2) > input:nth-child(2)",
		SubmitStrategy:   SubmitEnter,
	}, forms[1])

	assert.Equal(t, `[id="user name"]`, forms[2].UsernameSelector)
	assert.Equal(t, "#pw", forms[2].PasswordSelector)
	assert.Equal(t, "html > body:nth-child(2) > form:nth-child(5) > input:nth-child(3)", forms[2].SubmitSelector)
	assert.Equal(t, SubmitClick, forms[2].SubmitStrategy)

	assert.Equal(t,
		"<LoginForm #login > input:nth-child(1) / #login > input:nth-child(2) / #login > button:nth-child(3)>",
		forms[0].String())
}

func TestFindLoginFormsNone(t *testing.T) {
	t.Parallel()

	forms, err := FindLoginForms(`<html><body><p>nothing here</p></body></html>`)
	require.NoError(t, err)
	assert.Empty(t, forms)

	forms, err = FindLoginForms("")
	require.NoError(t, err)
	assert.Empty(t, forms)
}
