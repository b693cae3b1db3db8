// Copyright 2019 Google LLC
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

package classify

import (
	"strings"
	"text/template"

	"github.com/matta/gotriage/internal/message"

	"github.com/pkg/errors"
)

// SystemInstruction constrains the completion to a bare JSON object.
const SystemInstruction = "You are a JSON-only response bot. Always respond with valid JSON."

// Temperature is low so the same message classifies the same way on
// every run.
const Temperature = 0.3

const promptText = `
Email Details:
Subject: {{.Subject}}
From: {{.SenderName}} <{{.SenderEmail}}>
Date: {{.Date}}
Content: {{.Body}}

things about me and my work:
{{.Persona}}

you are an email assistant with access to my email inbox. your task is to help me manage my inbox by deciding to archive emails which I do not want to spend my time reading.

archive emails when the email is:
1. archive if it is promotional email or cold product launch email which has nothing to do with my work persona shared above.
2. archive if it is a credit card transaction email or statement email.
3. archive if it is a bank account debit message.
4. archive if it is a google calendar invite accepted email. keep the declined, cancelled, modified emails.


Return ONLY this JSON:
{"should_archive": true/false}`

var promptTemplate = template.Must(template.New("prompt").Parse(promptText))

type promptData struct {
	message.Content
	Persona string
}

// Prompt renders the user prompt for c on behalf of an owner described
// by persona.
func Prompt(persona string, c message.Content) (string, error) {
	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, promptData{Content: c, Persona: persona}); err != nil {
		return "", errors.Wrap(err, "rendering prompt")
	}
	return sb.String(), nil
}
