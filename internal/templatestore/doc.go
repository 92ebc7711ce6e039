// Package templatestore импортирует неизменяемые шаблоны и находит их
// по ссылке.
//
// Форматы файлов:
//   - *.yaml, *.yml — YAML, поля как у domain.Template
//   - *.hcl         — HCL с блоками template, input, output, step
//
// Ссылка на шаблон: name, name@idprefix, name:tag или их сочетание
// name@idprefix:tag. Имя можно опустить: @idprefix, :tag.
//
// ID шаблона выводится из отпечатка его содержимого, поэтому повторный
// импорт того же файла не создаёт дубликат.
package templatestore
