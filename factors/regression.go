// Copyright 2025-2026
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package factors

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrDimensionMismatch = errors.New("observation counts do not match across series")
	ErrSingularMatrix    = errors.New("regression design matrix is singular")
)

// ridgeRegression solves the L2-regularized least squares problem
// (X'X + lambda*I) beta = X'y and returns betas keyed by factor name. The
// ridge penalty keeps the solution stable when basis series are collinear
// (e.g. broad market and small cap benchmarks).
func ridgeRegression(columns [][]float64, y []float64, names []string, lambda float64) (map[string]float64, error) {
	k := len(columns)
	if k == 0 || len(names) != k {
		return nil, ErrDimensionMismatch
	}
	n := len(y)
	for _, col := range columns {
		if len(col) != n {
			return nil, ErrDimensionMismatch
		}
	}

	x := mat.NewDense(n, k, nil)
	for j, col := range columns {
		for i, v := range col {
			x.Set(i, j, v)
		}
	}
	yVec := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < k; i++ {
		xtx.Set(i, i, xtx.At(i, i)+lambda)
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), yVec)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return nil, ErrSingularMatrix
	}

	betas := make(map[string]float64, k)
	for idx, name := range names {
		betas[name] = beta.AtVec(idx)
	}
	return betas, nil
}

// OLS is ordinary least squares with an intercept term; coefficient 0 of the
// result is the intercept. Used where no regularization is wanted (HAR
// volatility model, portfolio betas).
func OLS(columns [][]float64, y []float64) ([]float64, error) {
	n := len(y)
	k := len(columns) + 1 // intercept column
	for _, col := range columns {
		if len(col) != n {
			return nil, ErrDimensionMismatch
		}
	}

	x := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1.0)
	}
	for j, col := range columns {
		for i, v := range col {
			x.Set(i, j+1, v)
		}
	}
	yVec := mat.NewVecDense(n, y)

	var beta mat.VecDense
	if err := beta.SolveVec(x, yVec); err != nil {
		return nil, ErrSingularMatrix
	}

	out := make([]float64, k)
	for idx := 0; idx < k; idx++ {
		out[idx] = beta.AtVec(idx)
	}
	return out, nil
}
