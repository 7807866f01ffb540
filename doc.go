// The gonilm non-intrusive load monitoring gateway
//
// Features
//
// - Infers per-appliance ON/OFF states from a single aggregate power feed
//
// - Pretrained multi-head gru model, pure Go inference
//
// - Hysteresis and dwell debouncing, no state flapping
//
// - Home Assistant mqtt discovery (binary sensors, confidence, mains)
//
// - Live meters: Shelly 3EM (http), Currentcost (serial)
//
// - Historical replay from a postgres measurement store, with ground
// truth series for evaluation
//
// - Gateway host metrics (cpu, memory, temperature, uptime)
//
// - Lightweight, small memory footprint (runs on the Raspberry Pi)
package gonilm
