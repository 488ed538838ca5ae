package service

import "math/rand/v2"

const (
	MinGrade = 1.0
	MaxGrade = 10.0
)

// Grader assigns a grade when the completing caller does not supply one.
type Grader interface {
	Grade() float64
}

// RandomGrader draws uniformly from 1.0 to 10.0 in half-point steps.
type RandomGrader struct{}

func (RandomGrader) Grade() float64 {
	steps := int((MaxGrade - MinGrade) * 2)
	return MinGrade + float64(rand.IntN(steps+1))/2
}

// GraderFunc adapts a function to Grader.
type GraderFunc func() float64

func (f GraderFunc) Grade() float64 { return f() }

func validGrade(g float64) bool {
	return g >= MinGrade && g <= MaxGrade
}
