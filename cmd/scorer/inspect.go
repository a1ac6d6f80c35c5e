package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/domain/services/callgraph"
)

var explainCmd = &cobra.Command{
	Use:   "explain <bundle.json>",
	Short: "Score one bundle and print the full breakdown as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runExplain,
}

var (
	featuresFormat string
	graphmlOutput  string
)

var featuresCmd = &cobra.Command{
	Use:   "features <bundle.json>",
	Short: "Print the feature vector of one bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeatures,
}

var graphmlCmd = &cobra.Command{
	Use:   "graphml <bundle.json>",
	Short: "Build the behavioral graph of one bundle and write it as GraphML",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphML,
}

func init() {
	featuresCmd.Flags().StringVar(&featuresFormat, "format", "csv", "Output format: csv or json")
	graphmlCmd.Flags().StringVarP(&graphmlOutput, "output", "o", "", "Output file (default stdout)")
}

func readBundle(path string) (*models.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	b, err := services.DecodeBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func analyzeFile(cmd *cobra.Command, path string) (*services.Analyzer, *models.AnalysisResult, error) {
	_, analyzer, _, err := newAnalyzer(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	b, err := readBundle(path)
	if err != nil {
		return nil, nil, err
	}
	res, err := analyzer.Analyze(cmd.Context(), b)
	if err != nil {
		return nil, nil, err
	}
	return analyzer, res, nil
}

func runExplain(cmd *cobra.Command, args []string) error {
	_, res, err := analyzeFile(cmd, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runFeatures(cmd *cobra.Command, args []string) error {
	analyzer, res, err := analyzeFile(cmd, args[0])
	if err != nil {
		return err
	}
	names := analyzer.FeatureNames()

	switch featuresFormat {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"apk_name": res.PackageName,
			"version":  res.Features.Version,
			"names":    names,
			"values":   res.Features.Values,
		})
	case "csv":
		return writeFeatureCSV(cmd.OutOrStdout(), names, res)
	default:
		return fmt.Errorf("unknown format %q", featuresFormat)
	}
}

func writeFeatureCSV(out io.Writer, names []string, res *models.AnalysisResult) error {
	w := csv.NewWriter(out)
	header := append(append([]string{"apk_name"}, names...), "label")
	row := make([]string, 0, len(header))
	row = append(row, res.PackageName)
	for _, v := range res.Features.Values {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	row = append(row, strconv.Itoa(res.Label))
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func runGraphML(cmd *cobra.Command, args []string) error {
	_, analyzer, _, err := newAnalyzer(cmd, nil)
	if err != nil {
		return err
	}
	b, err := readBundle(args[0])
	if err != nil {
		return err
	}
	g, err := analyzer.BuildGraph(b)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if graphmlOutput != "" {
		f, err := os.Create(graphmlOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", graphmlOutput, err)
		}
		defer f.Close()
		out = f
	}
	return callgraph.WriteGraphML(out, g, b.Name)
}
