// Package eta estima el tiempo restante de un trabajo a partir de la
// velocidad de avance del progreso.
package eta

import "time"

// DefaultWindow es la cantidad de muestras que suaviza la velocidad.
const DefaultWindow = 5

type sample struct {
	at       time.Time
	progress float64
}

// Estimator mantiene la velocidad de progreso (fracción por segundo) de
// un trabajo con un promedio exponencial sobre las últimas N muestras.
// No es seguro para uso concurrente: lo usa una sola sesión.
type Estimator struct {
	window int
	alpha  float64

	jobID string
	last  *sample
	rates []float64
}

// New crea un estimador. window <= 0 usa DefaultWindow.
func New(window int) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{
		window: window,
		alpha:  2 / float64(window+1),
	}
}

// Reset descarta las muestras.
func (e *Estimator) Reset() {
	e.jobID = ""
	e.last = nil
	e.rates = e.rates[:0]
}

// Observe agrega una observación. Un cambio de trabajo reinicia la
// ventana. Pasos de tiempo no positivos y retrocesos de progreso no
// generan muestra.
func (e *Estimator) Observe(jobID string, at time.Time, progress float64) {
	if jobID != e.jobID {
		e.Reset()
		e.jobID = jobID
	}

	if e.last == nil {
		e.last = &sample{at: at, progress: progress}
		return
	}

	dt := at.Sub(e.last.at).Seconds()
	if dt <= 0 {
		return
	}
	if progress < e.last.progress {
		// Retroceso del vendor: se reinicia la base sin muestrear.
		e.last = &sample{at: at, progress: progress}
		return
	}

	rate := (progress - e.last.progress) / dt
	e.rates = append(e.rates, rate)
	if len(e.rates) > e.window {
		e.rates = e.rates[len(e.rates)-e.window:]
	}
	e.last = &sample{at: at, progress: progress}
}

// Rate retorna la velocidad suavizada, de la muestra más vieja a la más
// nueva. Sin muestras retorna 0.
func (e *Estimator) Rate() float64 {
	if len(e.rates) == 0 {
		return 0
	}
	rate := e.rates[0]
	for _, r := range e.rates[1:] {
		rate = e.alpha*r + (1-e.alpha)*rate
	}
	return rate
}

// Remaining retorna los segundos restantes para llegar a progress 1.
// Retorna nil si no hay datos suficientes (progreso 0 o velocidad no
// positiva). Cerca del final el resultado se acota a 0.
func (e *Estimator) Remaining(progress float64) *float64 {
	if progress <= 0 {
		return nil
	}
	rate := e.Rate()
	if rate <= 0 {
		return nil
	}
	remaining := (1 - progress) / rate
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
