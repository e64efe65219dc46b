// Package engine отвечает за определения pipeline.
//
// Включает:
//   - parser.go   — разбор pipeline из YAML/JSON и валидация стадий
//   - template.go — рендеринг шаблонов команд ({{ .RunID }}, {{ .Inputs.x }})
//
// Engine не запускает job'ы: он только проверяет, что pipeline можно
// исполнить, и готовит параметры конкретной попытки.
package engine
