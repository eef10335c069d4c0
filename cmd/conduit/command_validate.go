package main

import (
	"fmt"
	"io"

	"conduit/internal/app"
)

func validate(out io.Writer) error {
	warnings, err := app.Check(app.Options{ConfigPath: configPath, PipelinePath: pipelinePath})
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(out, "warning:", w.String())
	}
	fmt.Fprintf(out, "%s: ok (%d warnings)\n", pipelinePath, len(warnings))
	return nil
}
