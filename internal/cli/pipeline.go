package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewPipelineCmd создаёт группу команд для управления pipelines.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
	}

	cmd.AddCommand(
		newPipelineListCmd(clientFn, outputFn),
		newPipelineShowCmd(clientFn, outputFn),
		newPipelineApplyCmd(clientFn, outputFn),
		newPipelineDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newPipelineListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pipelines, err := client.ListPipelines()
			if err != nil {
				return err
			}

			headers := []string{"TYPE", "STAGES", "DESCRIPTION", "UPDATED"}
			rows := make([][]string, len(pipelines))
			for i, p := range pipelines {
				rows[i] = []string{p.Type, strings.Join(p.Stages, " > "), p.Description, out.Age(p.UpdatedAt)}
			}

			out.Print(headers, rows, pipelines)
			return nil
		},
	}
}

func newPipelineShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show TYPE",
		Short: "Show pipeline stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetPipeline(args[0])
			if err != nil {
				return err
			}

			out.Print(pipelineStageTable(p))
			return nil
		},
	}
}

func newPipelineApplyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace a pipeline from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read pipeline file: %w", err)
			}

			// тип нужен для URL, остальное проверяет сервер
			var header struct {
				Type string `yaml:"type"`
			}
			if err := yaml.Unmarshal(data, &header); err != nil {
				return fmt.Errorf("pipeline file is not valid YAML: %w", err)
			}
			if header.Type == "" {
				return fmt.Errorf("pipeline file has no type")
			}

			p, err := client.ApplyPipeline(header.Type, data)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pipeline applied: %s (%d stages)", p.Type, len(p.Stages)))
			out.Print(pipelineStageTable(p))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to pipeline YAML file (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newPipelineDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TYPE",
		Short: "Delete a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeletePipeline(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pipeline deleted: %s", args[0]))
			return nil
		},
	}
}

func pipelineStageTable(p *PipelineResponse) ([]string, [][]string, any) {
	headers := []string{"#", "STAGE", "IMAGE", "RETRIES", "CPU", "MEMORY"}
	rows := make([][]string, len(p.Stages))
	for i, s := range p.Stages {
		retries := "-"
		if s.Retryable {
			retries = strconv.Itoa(s.MaxRetries)
		}
		rows[i] = []string{
			strconv.Itoa(s.Position), s.Name, s.Template.Image, retries,
			s.Template.CPU, s.Template.Memory,
		}
	}
	return headers, rows, p
}
