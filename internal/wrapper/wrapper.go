// Package wrapper synthesizes the small C source stub that unpacks
// the device-side I/O slot buffer, calls the target function, and
// packs its return value back, matching the original toolchain's
// wrapper_builder.py. Generation uses text/template the way the
// teacher templates boot-artifact source (internal/linux/boot's
// plan.go family) rather than string concatenation.
package wrapper

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/tinyrange/p4jit/internal/metadata"
	"github.com/tinyrange/p4jit/internal/sig"
)

// ioSectionName must match build.ioSectionName; duplicated here (no
// import back into build) since the linker script that consumes it
// and the source that declares it are generated by separate packages.
const ioSectionName = ".p4io"

var stubTemplate = template.Must(template.New("wrapper").Parse(`#include <stdint.h>

static volatile uint32_t io[{{.SlotArrayLen}}] __attribute__((section("` + ioSectionName + `")));

extern {{.ReturnType}} {{.TargetFunction}}({{.ExternParamList}});

__attribute__((used))
int32_t {{.EntrySymbol}}(void) {
{{- range .Params}}
{{- if .IsPointer}}
    {{.CType}} *{{.Name}} = ({{.CType}} *)(uintptr_t)io[{{.Slot}}];
{{- else}}
    {{.CType}} {{.Name}};
    __builtin_memcpy(&{{.Name}}, (const void *)&io[{{.Slot}}], sizeof({{.Name}}));
{{- end}}
{{- end}}
{{- if .ReturnVoid}}
    {{.TargetFunction}}({{.CallArgList}});
{{- else}}
    {{.ReturnType}} __ret = {{.TargetFunction}}({{.CallArgList}});
    __builtin_memcpy((void *)&io[{{.ReturnSlot}}], &__ret, sizeof(__ret));
{{- end}}
    return 0;
}
`))

type templateParam struct {
	Name      string
	CType     string
	IsPointer bool
	Slot      int
}

type templateData struct {
	SlotArrayLen    int
	EntrySymbol     string
	TargetFunction  string
	ReturnType      string
	ReturnVoid      bool
	ReturnSlot      int
	ExternParamList string
	CallArgList     string
	Params          []templateParam
}

// Synthesize emits the wrapper source for desc, calling into the
// function named by desc.FunctionName, with the entry point named
// entrySymbol and a slot array sized to slotCapacity words.
func Synthesize(desc metadata.Descriptor, entrySymbol string, slotCapacity int) (string, error) {
	if entrySymbol == "" {
		return "", fmt.Errorf("wrapper.Synthesize: entry symbol must not be empty")
	}

	params := make([]templateParam, 0, len(desc.Args))
	externParts := make([]string, 0, len(desc.Args))
	callParts := make([]string, 0, len(desc.Args))
	for _, a := range desc.Args {
		isPtr := a.Category == sig.CategoryPointer
		params = append(params, templateParam{
			Name: a.Name, CType: a.Type, IsPointer: isPtr, Slot: a.Slot,
		})
		if isPtr {
			externParts = append(externParts, fmt.Sprintf("%s *%s", a.Type, a.Name))
		} else {
			externParts = append(externParts, fmt.Sprintf("%s %s", a.Type, a.Name))
		}
		callParts = append(callParts, a.Name)
	}
	externList := "void"
	if len(externParts) > 0 {
		externList = strings.Join(externParts, ", ")
	}

	data := templateData{
		SlotArrayLen:    slotCapacity,
		EntrySymbol:     entrySymbol,
		TargetFunction:  desc.FunctionName,
		ReturnType:      desc.Return.Type,
		ReturnVoid:      desc.Return.Type == "void" || desc.Return.Type == "",
		ReturnSlot:      desc.Return.Slot,
		ExternParamList: externList,
		CallArgList:     strings.Join(callParts, ", "),
		Params:          params,
	}
	if data.ReturnType == "" {
		data.ReturnType = "void"
	}

	var buf bytes.Buffer
	if err := stubTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("wrapper.Synthesize(%s): %w", desc.FunctionName, err)
	}
	return buf.String(), nil
}
