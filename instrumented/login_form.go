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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Ways of submitting a login form.
const (
	SubmitClick = "click"
	SubmitEnter = "enter"
)

// LoginForm locates the fields of a login form with CSS selectors.
type LoginForm struct {
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	// SubmitStrategy is SubmitClick when the form has a submit button and
	// SubmitEnter otherwise.
	SubmitStrategy string
}

func (f *LoginForm) String() string {
	return fmt.Sprintf("<LoginForm %s / %s / %s>", f.UsernameSelector, f.PasswordSelector, f.SubmitSelector)
}

const (
	usernameInputs = `input[type="text"], input[type="email"], input:not([type])`
	submitButtons  = `button[type="submit"], input[type="submit"], input[type="image"], button:not([type])`
)

// FindLoginForms returns the forms of dom with exactly one password input
// and a field for the user name.
func FindLoginForms(dom string) ([]*LoginForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil, fmt.Errorf("parsing DOM: %w", err)
	}

	var forms []*LoginForm
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		passwords := form.Find(`input[type="password"]`)
		if passwords.Length() != 1 {
			return
		}
		username := form.Find(usernameInputs).First()
		if username.Length() == 0 {
			return
		}
		lf := &LoginForm{
			UsernameSelector: cssSelector(username),
			PasswordSelector: cssSelector(passwords),
			SubmitStrategy:   SubmitEnter,
		}
		if submit := form.Find(submitButtons).First(); submit.Length() > 0 {
			lf.SubmitSelector = cssSelector(submit)
			lf.SubmitStrategy = SubmitClick
		}
		forms = append(forms, lf)
	})

	return forms, nil
}

var simpleID = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// cssSelector returns a selector designating the first element of sel, by
// id when it or an ancestor has one and by position otherwise.
func cssSelector(sel *goquery.Selection) string {
	var parts []string
	for node := sel.First(); node.Length() > 0; node = node.Parent() {
		if id, ok := node.Attr("id"); ok && id != "" {
			parts = append(parts, idSelector(id))
			break
		}
		tag := goquery.NodeName(node)
		if tag == "html" {
			parts = append(parts, tag)
			break
		}
		parts = append(parts, tag+":nth-child("+strconv.Itoa(node.Index()+1)+")")
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func idSelector(id string) string {
	if simpleID.MatchString(id) {
		return "#" + id
	}
	return `[id="` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(id) + `"]`
}
