package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// SoftmaxCrossEntropy returns the mean sparse softmax cross entropy of
// logits [batch, classes] against integer labels, and its gradient with
// respect to the logits.
func SoftmaxCrossEntropy(logits *Tensor, labels []int) (float64, *Tensor, error) {
	if len(logits.Shape) != 2 || logits.Shape[0] != len(labels) {
		return 0, nil, fmt.Errorf("cross entropy: %w: logits %v for %d labels", ErrShapeMismatch, logits.Shape, len(labels))
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	grad := NewTensor(n, classes)
	loss := 0.0
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("cross entropy: label %d out of range [0,%d)", label, classes)
		}
		p := grad.Data[i*classes : (i+1)*classes]
		softmaxInto(p, logits.Data[i*classes:(i+1)*classes])
		loss -= math.Log(math.Max(p[label], 1e-12))
		p[label] -= 1
	}
	floats.Scale(1/float64(n), grad.Data)
	return loss / float64(n), grad, nil
}

// Softmax returns row-wise probabilities for logits [batch, classes].
func Softmax(logits *Tensor) *Tensor {
	n, classes := logits.Shape[0], logits.Shape[1]
	out := NewTensor(n, classes)
	for i := 0; i < n; i++ {
		softmaxInto(out.Data[i*classes:(i+1)*classes], logits.Data[i*classes:(i+1)*classes])
	}
	return out
}

func softmaxInto(dst, logits []float64) {
	maxLogit := floats.Max(logits)
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
}

// Argmax returns the index of the largest value of every row.
func Argmax(logits *Tensor) []int {
	n, classes := logits.Shape[0], logits.Shape[1]
	out := make([]int, n)
	for i := range out {
		out[i] = floats.MaxIdx(logits.Data[i*classes : (i+1)*classes])
	}
	return out
}

// Accuracy is the fraction of rows whose argmax equals the label.
func Accuracy(logits *Tensor, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, pred := range Argmax(logits) {
		if pred == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}
