package main

import (
	"flag"
	"log"
	"os"

	"github.com/PatchLens/go-tressa/tressa"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "tressa.json", "Instrumentation report written by tressa -json")
	reportChartsFile := flag.String("charts", "tressa.png", "File to output the overview chart image")
	flag.Parse()

	metrics, err := tressa.ReadReportJson(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to load report: %v", tressa.ErrorLogPrefix, err)
	}

	charts, err := tressa.RenderReportChartsFromJson(metrics)
	if err != nil {
		log.Fatalf("%sFailed to render charts: %v", tressa.ErrorLogPrefix, err)
	}
	if err = os.WriteFile(*reportChartsFile, charts, 0644); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", tressa.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
