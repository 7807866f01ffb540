package main

import (
	"flag"
	"fmt"

	"github.com/barnybug/gonilm/services"
	"github.com/barnybug/gonilm/services/hostmetrics"
	"github.com/barnybug/gonilm/services/nilm"
)

func registerServices() {
	services.Register(&nilm.Service{})
	services.Register(&hostmetrics.Service{})
}

func usage() {
	fmt.Println("Usage: gonilm [flags] [SERVICE...]")
	fmt.Println()
	fmt.Println("Services: nilm hostmetrics (default: all)")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "gonilm.yml", "configuration file")
	flag.Usage = usage
	flag.Parse()

	services.SetupLogging()
	services.SetupConfig(*configPath)
	registerServices()
	services.SetupBroker(services.Config.General.Name)

	names := flag.Args()
	if len(names) == 0 {
		names = []string{"nilm", "hostmetrics"}
	}
	services.Launch(names)
}
