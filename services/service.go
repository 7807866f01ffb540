// Package services is the process framework: service registration,
// logging, the shared mqtt broker and bus heartbeats.
package services

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barnybug/gonilm/config"
	"github.com/barnybug/gonilm/pubsub"
	"github.com/barnybug/gonilm/pubsub/mqtt"
)

// Service interface
type Service interface {
	ID() string
	Run() error
}

// ServiceInit is implemented by services needing setup before any
// service runs.
type ServiceInit interface {
	Service
	Init() error
}

// ServiceStop is implemented by services supporting graceful shutdown.
type ServiceStop interface {
	Service
	Stop()
}

var serviceMap = map[string]Service{}
var enabled []Service

var Config *config.Config
var Broker *mqtt.Broker
var Publisher pubsub.Publisher
var Subscriber pubsub.Subscriber

func SetupLogging() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.SetOutput(os.Stdout)
}

// SetupConfig loads the process configuration file.
func SetupConfig(path string) {
	conf, err := config.Open(path)
	if err != nil {
		log.Fatalln("Error reading config:", err)
	}
	Config = conf
}

// SetupBroker prepares the mqtt connection from GONILM_MQTT. The
// connection is opened later by ConnectBroker, after services had the
// chance to arrange wills and connect callbacks.
func SetupBroker(name string) {
	url := os.Getenv("GONILM_MQTT")
	if url == "" {
		log.Fatalln("Set GONILM_MQTT to the mqtt server. eg: tcp://127.0.0.1:1883")
	}
	Broker = mqtt.NewBroker(url, name)
	Publisher = Broker.Publisher()
	Subscriber = Broker.Subscriber()
}

// ConnectBroker opens the mqtt connection.
func ConnectBroker() {
	if err := Broker.Connect(); err != nil {
		log.Fatalln("Error connecting to mqtt:", err)
	}
}

// Register adds a service to the registry.
func Register(service Service) {
	if _, exists := serviceMap[service.ID()]; exists {
		log.Fatalf("Duplicate service registered: %s", service.ID())
	}
	serviceMap[service.ID()] = service
}

// Launch initializes and runs the named services, blocking until they
// all finish or the process is signalled to stop.
func Launch(names []string) {
	enabled = []Service{}
	for _, name := range names {
		service, ok := serviceMap[name]
		if !ok {
			log.Fatalf("Service %s does not exist", name)
		}
		enabled = append(enabled, service)
	}

	for _, service := range enabled {
		if service, ok := service.(ServiceInit); ok {
			if err := service.Init(); err != nil {
				log.Fatalf("Error init service %s: %s", service.ID(), err)
			}
			log.Printf("Initialized %s\n", service.ID())
		}
	}

	ConnectBroker()

	finished := make(chan error, len(enabled))
	for _, service := range enabled {
		log.Printf("Starting %s\n", service.ID())
		go Heartbeat(service.ID())
		go func(service Service) {
			finished <- service.Run()
		}(service)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	remaining := len(enabled)
	for remaining > 0 {
		select {
		case sig := <-interrupt:
			log.Printf("Received %s, shutting down", sig)
			signal.Stop(interrupt)
			stopAll()
		case err := <-finished:
			if err != nil {
				log.Fatalln("Service failed:", err)
			}
			remaining--
		}
	}
	Shutdown()
}

func stopAll() {
	for _, service := range enabled {
		if service, ok := service.(ServiceStop); ok {
			service.Stop()
		}
	}
}

// Heartbeat publishes a retained bus heartbeat with uptime every
// minute.
func Heartbeat(id string) {
	started := time.Now()
	device := fmt.Sprintf("heartbeat.%s", id)
	fields := pubsub.Fields{
		"device":  device,
		"pid":     os.Getpid(),
		"started": started.Format(time.RFC3339),
	}

	// wait 5 seconds before heartbeating - if the process dies very soon
	time.Sleep(time.Second * 5)

	for {
		uptime := int(time.Since(started).Seconds())
		fields["uptime"] = uptime
		ev := pubsub.NewEvent("heartbeat", fields)
		ev.SetRetained(true)
		Publisher.Emit(ev)
		time.Sleep(time.Second * 60)
	}
}

// Shutdown closes the shared mqtt connection.
func Shutdown() {
	if Broker != nil {
		Broker.Close()
	}
}
